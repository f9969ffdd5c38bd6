package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/canopyworks/custody/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/crc64nvme"
)

const (
	// Archive format constants
	archiveMagic   = "CUSTAUD1"
	archiveVersion = uint32(1)
	headerSize     = 16 // 8 bytes magic + 4 bytes version + 4 bytes reserved

	// length(4) + sequence(8) + timestamp(8) + crc(8)
	recordOverhead  = 28
	maxRecordLength = 10 * 1024 * 1024
)

// ErrCorruptArchive is returned when an archive fails validation.
var ErrCorruptArchive = errors.New("corrupt audit archive")

// Archiver writes audit entries to a zstd compressed stream of checksummed
// records.
//
// Record format (total: 28 + payload_len bytes):
// - Length (4 bytes, uint32) - total record length including this field
// - Sequence (8 bytes, int64) - audit sequence number
// - Timestamp (8 bytes, int64) - entry time, Unix milliseconds
// - Payload (variable) - JSON-encoded AuditEntry
// - CRC64 (8 bytes, uint64) - CRC64-NVME of sequence, timestamp and payload
type Archiver struct {
	enc   *zstd.Encoder
	count int
	first int64
	last  int64
}

// NewArchiver starts an archive on w. Close must be called to flush it; w
// itself is not closed.
func NewArchiver(w io.Writer) (*Archiver, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	header := make([]byte, headerSize)
	copy(header[0:8], archiveMagic)
	binary.LittleEndian.PutUint32(header[8:12], archiveVersion)

	if _, err := enc.Write(header); err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &Archiver{enc: enc}, nil
}

// Write appends one entry. Entries must be written in sequence order.
func (a *Archiver) Write(entry *models.AuditEntry) error {
	if a.count > 0 && entry.Sequence <= a.last {
		return fmt.Errorf("audit entry %d written after %d", entry.Sequence, a.last)
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := a.enc.Write(buildRecord(entry, payload)); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	if a.count == 0 {
		a.first = entry.Sequence
	}
	a.last = entry.Sequence
	a.count++
	return nil
}

// Close flushes the compressed stream.
func (a *Archiver) Close() error {
	if err := a.enc.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	return nil
}

func (a *Archiver) Count() int { return a.count }

// Range returns the first and last sequence written.
func (a *Archiver) Range() (first, last int64) { return a.first, a.last }

func buildRecord(entry *models.AuditEntry, payload []byte) []byte {
	//nolint:gosec // payload is bounded by maxRecordLength on read
	totalLength := uint32(recordOverhead + len(payload))
	buf := new(bytes.Buffer)

	// binary.Write to bytes.Buffer never errors
	_ = binary.Write(buf, binary.LittleEndian, totalLength)
	_ = binary.Write(buf, binary.LittleEndian, entry.Sequence)
	_ = binary.Write(buf, binary.LittleEndian, entry.Timestamp.UnixMilli())
	buf.Write(payload)

	crc := computeCRC64(buf.Bytes()[4:])
	_ = binary.Write(buf, binary.LittleEndian, crc)

	return buf.Bytes()
}

func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// WriteArchive writes entries as one complete archive.
func WriteArchive(w io.Writer, entries []*models.AuditEntry) error {
	a, err := NewArchiver(w)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := a.Write(e); err != nil {
			a.Close()
			return err
		}
	}
	return a.Close()
}

// ReadArchive decodes an archive, verifying the header and every record
// checksum. Any damage fails the whole read with ErrCorruptArchive.
func ReadArchive(r io.Reader) ([]*models.AuditEntry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(dec, header); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrCorruptArchive, err)
	}
	if magic := string(header[0:8]); magic != archiveMagic {
		return nil, fmt.Errorf("%w: invalid magic %q", ErrCorruptArchive, magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != archiveVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptArchive, version)
	}

	var (
		entries []*models.AuditEntry
		last    int64
	)
	for {
		var length uint32
		if err := binary.Read(dec, binary.LittleEndian, &length); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: read length: %w", ErrCorruptArchive, err)
		}
		if length < recordOverhead || length > maxRecordLength {
			return nil, fmt.Errorf("%w: invalid record length %d", ErrCorruptArchive, length)
		}

		record := make([]byte, length-4)
		if _, err := io.ReadFull(dec, record); err != nil {
			return nil, fmt.Errorf("%w: read record: %w", ErrCorruptArchive, err)
		}

		//nolint:gosec // sequences are positive
		sequence := int64(binary.LittleEndian.Uint64(record[0:8]))

		storedCRC := binary.LittleEndian.Uint64(record[len(record)-8:])
		if computed := computeCRC64(record[:len(record)-8]); storedCRC != computed {
			return nil, fmt.Errorf("%w: CRC64 mismatch at sequence %d: stored=%x computed=%x",
				ErrCorruptArchive, sequence, storedCRC, computed)
		}

		var entry models.AuditEntry
		if err := json.Unmarshal(record[16:len(record)-8], &entry); err != nil {
			return nil, fmt.Errorf("%w: sequence %d: %w", ErrCorruptArchive, sequence, err)
		}
		if entry.Sequence != sequence {
			return nil, fmt.Errorf("%w: record sequence %d holds entry %d", ErrCorruptArchive, sequence, entry.Sequence)
		}
		if len(entries) > 0 && sequence <= last {
			return nil, fmt.Errorf("%w: sequence %d follows %d", ErrCorruptArchive, sequence, last)
		}

		last = sequence
		entries = append(entries, &entry)
	}

	return entries, nil
}
