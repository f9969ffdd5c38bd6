package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	cursorObject     = "CURSOR"
	defaultPageSize  = 500
	defaultBatchSize = 5000
)

// Export streams every entry after the given sequence to w as one archive
// and returns the number of entries written.
func (l *Log) Export(ctx context.Context, w io.Writer, after int64) (int, error) {
	a, err := NewArchiver(w)
	if err != nil {
		return 0, err
	}

	for {
		entries, err := l.After(ctx, after, defaultPageSize)
		if err != nil {
			a.Close()
			return a.Count(), err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			if err := a.Write(e); err != nil {
				a.Close()
				return a.Count(), err
			}
		}
		after = entries[len(entries)-1].Sequence
	}

	return a.Count(), a.Close()
}

// Exporter periodically copies new audit entries to a Sink. The last exported
// sequence is kept in the sink, so a restarted exporter resumes where it left
// off.
type Exporter struct {
	log       *Log
	sink      Sink
	interval  time.Duration
	batchSize int

	mu     sync.Mutex
	cursor int64
	loaded bool
}

type ExporterOption func(*Exporter)

func WithInterval(d time.Duration) ExporterOption {
	return func(e *Exporter) {
		e.interval = d
	}
}

// WithBatchSize caps the entries per archive object.
func WithBatchSize(n int) ExporterOption {
	return func(e *Exporter) {
		e.batchSize = n
	}
}

func NewExporter(l *Log, sink Sink, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		log:       l,
		sink:      sink,
		interval:  5 * time.Minute,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ArchiveName is the object name for the entries first..last.
func ArchiveName(first, last int64) string {
	return fmt.Sprintf("audit-%020d-%020d.zst", first, last)
}

// Cursor returns the last exported sequence.
func (e *Exporter) Cursor(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadCursor(ctx); err != nil {
		return 0, err
	}
	return e.cursor, nil
}

func (e *Exporter) loadCursor(ctx context.Context) error {
	if e.loaded {
		return nil
	}

	data, err := e.sink.Get(ctx, cursorObject)
	switch {
	case errors.Is(err, ErrObjectNotFound):
		e.cursor = 0
	case err != nil:
		return fmt.Errorf("failed to load export cursor: %w", err)
	default:
		cursor, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid export cursor %q: %w", data, err)
		}
		e.cursor = cursor
	}

	e.loaded = true
	return nil
}

// ExportOnce writes all entries past the cursor and returns how many were
// exported. The cursor only advances after the archive object is stored.
func (e *Exporter) ExportOnce(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.loadCursor(ctx); err != nil {
		return 0, err
	}

	total := 0
	for {
		entries, err := e.log.After(ctx, e.cursor, e.batchSize)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}

		var buf bytes.Buffer
		if err := WriteArchive(&buf, entries); err != nil {
			return total, err
		}

		first, last := entries[0].Sequence, entries[len(entries)-1].Sequence
		if err := e.sink.Put(ctx, ArchiveName(first, last), buf.Bytes()); err != nil {
			return total, err
		}
		if err := e.sink.Put(ctx, cursorObject, []byte(strconv.FormatInt(last, 10))); err != nil {
			return total, err
		}

		e.cursor = last
		total += len(entries)
		telemetry.GetMetrics().AuditArchivedTotal.Add(ctx, int64(len(entries)))

		log.Info().
			Int64("first_sequence", first).
			Int64("last_sequence", last).
			Int("entries", len(entries)).
			Int("compressed_bytes", buf.Len()).
			Msg("Audit entries archived")
	}
}

// Run exports on every interval until ctx is cancelled. Failures are logged
// and retried on the next tick.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.interval).Msg("Audit exporter started")

	for {
		if _, err := e.ExportOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Audit export failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Audit exporter stopped")
			return nil
		case <-ticker.C:
		}
	}
}
