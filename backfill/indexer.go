// Package backfill rebuilds fine indices for raw files written before a property
// was flagged for indexing.
package backfill

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexushistory/archive"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/record"
	"github.com/INLOpen/nexushistory/sys"
)

// Request identifies one fine index to build: one property of one closed raw file.
type Request struct {
	Dir       string
	DeviceID  string
	Property  string
	FileIndex int
}

func (r Request) seriesKey() seriesKey {
	return seriesKey{dir: r.Dir, deviceID: r.DeviceID, property: r.Property}
}

func (r Request) String() string {
	return fmt.Sprintf("%s:%s:%d", r.DeviceID, r.Property, r.FileIndex)
}

type seriesKey struct {
	dir      string
	deviceID string
	property string
}

// IndexFile scans raw file req.FileIndex and writes the fine index of req.Property
// for it, replacing any existing index atomically. Malformed lines are skipped.
// It returns the number of records written.
func IndexFile(ctx context.Context, req Request, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	layout := archive.Layout{Root: req.Dir}
	rawPath := layout.RawFile(req.DeviceID, req.FileIndex)
	raw, err := sys.Open(rawPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open raw file %s: %w", rawPath, err)
	}
	defer raw.Close()

	idxDir := layout.IdxDir(req.DeviceID)
	if err := os.MkdirAll(idxDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create index dir %s: %w", idxDir, err)
	}
	target := layout.FineIndex(req.DeviceID, req.FileIndex, req.Property)
	tmp, err := os.CreateTemp(idxDir, filepath.Base(target)+".tmp*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp index for %s: %w", target, err)
	}
	tmpPath := tmp.Name()
	defer sys.Remove(tmpPath)

	out := bufio.NewWriter(tmp)
	iw := record.NewIndexWriter(out)
	reader := core.RawReaderPool.Get()
	reader.Reset(raw)
	defer func() {
		reader.Reset(nil)
		core.RawReaderPool.Put(reader)
	}()

	var (
		offset    int64
		count     int
		skipped   int
		lastEpoch float64
	)
	for {
		if count%4096 == 0 {
			if err := ctx.Err(); err != nil {
				tmp.Close()
				return 0, err
			}
		}
		line, rerr := reader.ReadString('\n')
		if len(line) > 0 {
			position := offset
			offset += int64(len(line))
			// a trailing line without newline may still be in flight
			if line[len(line)-1] != '\n' {
				break
			}
			parsed, perr := record.ParseRawLine(line)
			switch {
			case perr != nil:
				skipped++
			case parsed.Path == req.Property && parsed.Flag != record.FlagLogout:
				rec := record.NewIndexRecord(parsed.Timestamp, position, count == 0)
				if rec.Epoch < lastEpoch {
					rec.Epoch = lastEpoch
				}
				if err := iw.Write(rec); err != nil {
					tmp.Close()
					return 0, err
				}
				lastEpoch = rec.Epoch
				count++
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			tmp.Close()
			return 0, fmt.Errorf("failed to read raw file %s: %w", rawPath, rerr)
		}
	}

	if err := out.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to flush temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp index: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return 0, fmt.Errorf("failed to install index %s: %w", target, err)
	}
	if skipped > 0 {
		logger.Warn("Skipped malformed raw lines while indexing", "device_id", req.DeviceID, "file_index", req.FileIndex, "skipped", skipped)
	}
	return count, nil
}
