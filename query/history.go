package query

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/record"
	"github.com/INLOpen/nexushistory/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// GetPropertyHistory returns the values of property logged between req.From and
// req.To in chronological order, down-sampled to at most req.MaxNumData entries.
// An unknown device yields an empty result. A range ending before anything was
// logged fails with core.ErrTimepointTooEarly.
func (r *Reader) GetPropertyHistory(ctx context.Context, deviceID, property string, req core.HistoryRequest) (*core.HistoryResult, error) {
	historyRequestsTotal.Add(1)
	var result *core.HistoryResult
	err := r.instrument(ctx, hooks.QueryHistory, deviceID, property, func(ctx context.Context) (int, error) {
		var err error
		result, err = r.propertyHistory(ctx, deviceID, property, req)
		if err != nil {
			return 0, err
		}
		return len(result.Entries), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Reader) propertyHistory(ctx context.Context, deviceID, property string, req core.HistoryRequest) (*core.HistoryResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("device_id", deviceID),
		attribute.String("property", property),
		attribute.Int("max_num_data", req.MaxNumData),
	)

	maxNumData, err := r.resolveMaxNumData(req.MaxNumData)
	if err != nil {
		return nil, err
	}
	result := &core.HistoryResult{DeviceID: deviceID, Property: property, Entries: []core.HistoryEntry{}}

	exists, err := r.deviceExists(deviceID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return result, nil
	}
	if _, err := r.RegisterProperty(deviceID, property); err != nil {
		return nil, err
	}

	entries, skipped, err := r.layout.ReadContentIndex(deviceID)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		r.logger.Warn("Skipped malformed content index lines", "device_id", deviceID, "skipped", skipped)
	}
	if len(entries) == 0 || req.To.Before(req.From) {
		return result, nil
	}

	toPos := lastAtOrBefore(entries, req.To)
	if toPos < 0 {
		return nil, &core.TemporalError{DeviceID: deviceID, Requested: req.To, Reason: core.ErrTimepointTooEarly, Detail: "end of range precedes the first logged entry"}
	}
	fromPos := lastAtOrBefore(entries, req.From)
	if fromPos < 0 {
		fromPos = 0
		result.StartClamped = true
	}
	fromFile, toFile := entries[fromPos].FileIndex, entries[toPos].FileIndex
	if toFile < fromFile {
		return result, nil
	}
	current, err := r.layout.ReadLastIndex(deviceID)
	if err != nil {
		return nil, err
	}

	perFile := make([][]candidate, toFile-fromFile+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for fi := fromFile; fi <= toFile; fi++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cands, err := r.fileCandidates(deviceID, property, fi, fi >= current, req.From, req.To)
			if err != nil {
				return err
			}
			perFile[fi-fromFile] = cands
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []candidate
	for _, c := range perFile {
		all = append(all, c...)
	}
	kept := reduce(all, maxNumData)
	span.SetAttributes(attribute.Int("ndata", len(all)), attribute.Int("kept", len(kept)))

	values, locs, err := r.resolveCandidates(deviceID, property, kept)
	if err != nil {
		return nil, err
	}
	markLastOfSession(values, locs, entries)
	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Timestamp.Compare(values[j].Timestamp) < 0
	})
	result.Entries = values
	return result, nil
}

// fileCandidates finds the lines of property within [from, to] in one raw file,
// through its fine index when present and by scanning the raw file otherwise.
// A missing index of a closed file queues a backfill.
func (r *Reader) fileCandidates(deviceID, property string, fileIndex int, live bool, from, to core.Timestamp) ([]candidate, error) {
	rawPath := r.layout.RawFile(deviceID, fileIndex)
	if _, err := os.Stat(rawPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat raw file %s: %w", rawPath, err)
	}

	idx, err := sys.Open(r.layout.FineIndex(deviceID, fileIndex, property))
	if err == nil {
		defer idx.Close()
		cands, err := searchFineIndex(idx, fileIndex, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to search fine index of file %d: %w", fileIndex, err)
		}
		return cands, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to open fine index of file %d: %w", fileIndex, err)
	}
	if !live {
		r.triggerBackfill(deviceID, property, fileIndex)
	}

	rawScansTotal.Add(1)
	raw, err := sys.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw file %s: %w", rawPath, err)
	}
	defer raw.Close()
	cands, skipped, err := scanRaw(raw, fileIndex, property, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan raw file %s: %w", rawPath, err)
	}
	if skipped > 0 {
		corruptLinesTotal.Add(int64(skipped))
		r.logger.Warn("Skipped malformed raw lines", "device_id", deviceID, "file_index", fileIndex, "skipped", skipped)
	}
	return cands, nil
}

// resolveCandidates reads the raw line of each candidate. Lines that cannot be
// parsed or belong to another property are logged and skipped.
func (r *Reader) resolveCandidates(deviceID, property string, cands []candidate) ([]core.HistoryEntry, []location, error) {
	values := make([]core.HistoryEntry, 0, len(cands))
	locs := make([]location, 0, len(cands))

	var (
		raw     sys.FileHandle
		rawFile = -1
		buf     []byte
	)
	defer func() {
		if raw != nil {
			raw.Close()
		}
	}()

	for _, c := range cands {
		line := c.line
		if line == nil {
			if c.loc.fileIndex != rawFile {
				if raw != nil {
					raw.Close()
					raw = nil
				}
				f, err := sys.Open(r.layout.RawFile(deviceID, c.loc.fileIndex))
				if err != nil {
					return nil, nil, fmt.Errorf("failed to open raw file %d: %w", c.loc.fileIndex, err)
				}
				raw, rawFile = f, c.loc.fileIndex
			}
			var text string
			var err error
			text, buf, err = readLineAt(raw, c.loc.offset, buf)
			if err != nil {
				corruptLinesTotal.Add(1)
				r.logger.Warn("Index entry points past readable data", "device_id", deviceID, "property", property, "file_index", c.loc.fileIndex, "offset", c.loc.offset, "error", err)
				continue
			}
			parsed, err := record.ParseRawLine(text)
			if err != nil {
				corruptLinesTotal.Add(1)
				r.logger.Warn("Skipping malformed raw line", "device_id", deviceID, "property", property, "file_index", c.loc.fileIndex, "offset", c.loc.offset, "error", err)
				continue
			}
			if parsed.Path != property || parsed.Flag == record.FlagLogout {
				corruptLinesTotal.Add(1)
				r.logger.Warn("Index entry points at another property", "device_id", deviceID, "property", property, "found", parsed.Path, "file_index", c.loc.fileIndex, "offset", c.loc.offset)
				continue
			}
			line = &parsed
		}
		values = append(values, core.HistoryEntry{Value: line.Value, Type: line.Type, Timestamp: line.Timestamp})
		locs = append(locs, c.loc)
	}
	return values, locs, nil
}

// markLastOfSession tags, for every -LOG entry, the last value emitted within
// the session it closes. values and locs are in file order.
func markLastOfSession(values []core.HistoryEntry, locs []location, entries []record.ContentEntry) {
	if len(values) == 0 {
		return
	}
	var login location
	for _, e := range entries {
		loc := location{fileIndex: e.FileIndex, offset: e.Offset}
		switch e.Event {
		case record.EventLogin:
			login = loc
		case record.EventLogout:
			i := sort.Search(len(locs), func(i int) bool { return !locs[i].less(loc) }) - 1
			if i >= 0 && !locs[i].less(login) {
				values[i].IsLast = true
			}
		}
	}
}
