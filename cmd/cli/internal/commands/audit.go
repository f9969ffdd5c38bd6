package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/canopyworks/custody/internal/audit"
	"github.com/canopyworks/custody/internal/models"
)

type AuditCmd struct {
	Fetch  AuditFetchCmd  `cmd:"" help:"Download an audit archive from the server"`
	Verify AuditVerifyCmd `cmd:"" help:"Check archive checksums and sequence continuity"`
}

type AuditFetchCmd struct {
	Server  string        `help:"Server URL" default:"http://localhost:8080" env:"CUSTODY_SERVER"`
	After   int64         `help:"Only entries after this sequence" default:"0"`
	Output  string        `help:"Archive file to write" short:"o" required:"" type:"path"`
	Timeout time.Duration `help:"Request timeout" default:"1m"`
}

func (f *AuditFetchCmd) Run(ctx context.Context, globals *Globals) error {
	u, err := url.Parse(strings.TrimSuffix(f.Server, "/") + "/audit/export")
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	u.RawQuery = url.Values{"after": {strconv.FormatInt(f.After, 10)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: f.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch audit archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	out, err := os.Create(f.Output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Printf("Wrote %s entries to %s\n", resp.Header.Get("X-Audit-Entries"), f.Output)
	return nil
}

type AuditVerifyCmd struct {
	Paths []string `arg:"" help:"Archive files or directories of archives" type:"existingfile|existingdir"`
	After int64    `help:"Sequence the first archive should follow" default:"0"`
}

func (v *AuditVerifyCmd) Run(ctx context.Context, globals *Globals) error {
	return v.run(os.Stdout)
}

func (v *AuditVerifyCmd) run(w io.Writer) error {
	files, err := archiveFiles(v.Paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no archives found")
	}

	expected := v.After + 1
	total := 0
	for _, name := range files {
		entries, err := readArchiveFile(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if len(entries) == 0 {
			fmt.Fprintf(w, "%s: empty\n", name)
			continue
		}

		first, last := entries[0].Sequence, entries[len(entries)-1].Sequence
		if first != expected {
			return fmt.Errorf("%s: starts at sequence %d, expected %d", name, first, expected)
		}
		for i := 1; i < len(entries); i++ {
			if entries[i].Sequence != entries[i-1].Sequence+1 {
				return fmt.Errorf("%s: gap between sequence %d and %d", name, entries[i-1].Sequence, entries[i].Sequence)
			}
		}

		fmt.Fprintf(w, "%s: %d entries, %d..%d\n", name, len(entries), first, last)
		expected = last + 1
		total += len(entries)
	}

	fmt.Fprintf(w, "OK: %d entries in %d archives\n", total, len(files))
	return nil
}

// archiveFiles expands directories to their .zst files. Archive names sort in
// sequence order.
func archiveFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.zst"))
		if err != nil {
			return nil, err
		}
		slices.Sort(matches)
		files = append(files, matches...)
	}
	return files, nil
}

func readArchiveFile(name string) ([]*models.AuditEntry, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return audit.ReadArchive(f)
}
