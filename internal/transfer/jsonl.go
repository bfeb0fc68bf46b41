// Package transfer moves entity records between a store and JSON Lines
// files, one entity.Record per line. It is used to seed a local database
// and to take snapshots of either side.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/store"
)

// exportPageSize is the List page size used by Export.
const exportPageSize = 500

// ImportOptions controls Import.
type ImportOptions struct {
	// DryRun parses and validates every line without writing.
	DryRun bool

	// IncludeDeleted imports tombstones too. They are skipped otherwise.
	IncludeDeleted bool

	// Actor fills created_by on lines that carry no creation audit.
	Actor string

	// Now stamps created_at on lines that carry none. Defaults to time.Now.
	Now func() time.Time
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int
	Imported int
	Skipped  int
	Errors   []string
}

// Import reads JSON Lines from r and upserts each record into st. A bad
// line or a rejected write is recorded in the result and the import carries
// on; only an unreadable stream or an unusable entity stops it.
func Import(ctx context.Context, st store.Store, entityName string, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.DryRun {
		if err := st.EnsureEntity(ctx, entityName); err != nil {
			return nil, fmt.Errorf("failed to prepare %s: %w", entityName, err)
		}
	}

	result := &ImportResult{}
	decoder := json.NewDecoder(bufio.NewReader(r))
	decoder.UseNumber()

	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var rec entity.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		result.Read++

		if rec.ID == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: missing id", line))
			continue
		}
		if rec.Deleted && !opts.IncludeDeleted {
			result.Skipped++
			continue
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = opts.Now().UTC()
			if rec.CreatedBy == "" {
				rec.CreatedBy = opts.Actor
			}
		}
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}

		if opts.DryRun {
			result.Imported++
			continue
		}
		if err := st.Upsert(ctx, entityName, &rec); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return result, fmt.Errorf("failed to write %s/%s: %w", entityName, rec.ID, err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %s/%s: %v", line, entityName, rec.ID, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}

// ImportFile is Import reading from path.
func ImportFile(ctx context.Context, st store.Store, entityName, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - path comes from the command line
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, st, entityName, f, opts)
}

// Export writes every record of entityName in st to w, oldest change
// first, and returns how many were written.
func Export(ctx context.Context, st store.Store, entityName string, w io.Writer, includeDeleted bool) (int, error) {
	filter := store.ExcludeDeleted
	if includeDeleted {
		filter = store.IncludeDeleted
	}

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)

	written := 0
	var after *store.Cursor
	for {
		page, err := st.List(ctx, entityName, store.Query{Deleted: filter, After: after, Limit: exportPageSize})
		if err != nil {
			return written, fmt.Errorf("failed to list %s: %w", entityName, err)
		}
		for _, rec := range page {
			if err := encoder.Encode(rec); err != nil {
				return written, fmt.Errorf("failed to write %s/%s: %w", entityName, rec.ID, err)
			}
			written++
		}
		if len(page) < exportPageSize {
			return written, nil
		}
		cursor := store.CursorOf(page[len(page)-1])
		after = &cursor
	}
}

// ExportFile is Export writing atomically to path via a temp file.
func ExportFile(ctx context.Context, st store.Store, entityName, path string, includeDeleted bool) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	bw := bufio.NewWriter(f)
	n, err := Export(ctx, st, entityName, bw, includeDeleted)
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}
