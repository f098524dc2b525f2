package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/record"
	"github.com/INLOpen/nexushistory/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GetConfigurationFromPast reconstructs the configuration of a device at
// timepoint by replaying its raw log from the session login preceding it. The
// result only contains paths of the schema active at timepoint.
//
// If the device was discontinued before timepoint, the last known configuration
// is returned with AtTimepoint unset.
func (r *Reader) GetConfigurationFromPast(ctx context.Context, deviceID string, timepoint core.Timestamp) (*core.ConfigurationSnapshot, error) {
	configRequestsTotal.Add(1)
	var snapshot *core.ConfigurationSnapshot
	err := r.instrument(ctx, hooks.QueryConfiguration, deviceID, "", func(ctx context.Context) (int, error) {
		var err error
		snapshot, err = r.configurationFromPast(ctx, deviceID, timepoint)
		if err != nil {
			return 0, err
		}
		return len(snapshot.Configuration), nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (r *Reader) configurationFromPast(ctx context.Context, deviceID string, timepoint core.Timestamp) (*core.ConfigurationSnapshot, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("device_id", deviceID), attribute.String("timepoint", timepoint.ISO8601()))

	tooEarly := func(detail string) error {
		return &core.TemporalError{DeviceID: deviceID, Requested: timepoint, Reason: core.ErrTimepointTooEarly, Detail: detail}
	}

	schemas, skipped, err := r.layout.ReadSchemas(deviceID)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		r.logger.Warn("Skipped malformed schema lines", "device_id", deviceID, "skipped", skipped)
	}
	var schema *core.Schema
	for _, s := range schemas {
		if s.Timestamp.After(timepoint) {
			break
		}
		schema = s.Schema
	}
	if schema == nil {
		return nil, tooEarly("no schema active at the requested time point")
	}

	entries, skipped, err := r.layout.ReadContentIndex(deviceID)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		r.logger.Warn("Skipped malformed content index lines", "device_id", deviceID, "skipped", skipped)
	}
	login := -1
	for i, e := range entries {
		if e.Timestamp.After(timepoint) {
			break
		}
		if e.Event == record.EventLogin {
			login = i
		}
	}
	if login < 0 {
		return nil, tooEarly("no logging session started before the requested time point")
	}

	current, err := r.layout.ReadLastIndex(deviceID)
	if err != nil {
		return nil, err
	}
	start := entries[login]
	config, atTimepoint, err := r.replay(deviceID, start.FileIndex, start.Offset, current, timepoint)
	if err != nil {
		return nil, err
	}
	if len(config) == 0 {
		return nil, &core.TemporalError{DeviceID: deviceID, Requested: timepoint, Reason: core.ErrOutsideLoggedData, Detail: "no values logged in the session"}
	}

	snapshot := &core.ConfigurationSnapshot{
		DeviceID:      deviceID,
		Timepoint:     timepoint,
		Configuration: make(map[string]core.ConfigValue, len(config)),
		Schema:        schema,
		AtTimepoint:   atTimepoint,
	}
	for path, v := range config {
		if !schema.Has(path) {
			continue
		}
		snapshot.Configuration[path] = v
		if v.Timestamp.Compare(snapshot.ConfigTimepoint) > 0 {
			snapshot.ConfigTimepoint = v.Timestamp
		}
	}
	span.SetAttributes(attribute.Int("paths", len(snapshot.Configuration)), attribute.Bool("at_timepoint", atTimepoint))
	return snapshot, nil
}

// replay applies raw lines from (fileIndex, offset) onwards as last-write-wins
// assignments. LOGIN lines later than timepoint belong to the unordered login
// batch and are skipped; any other later line ends the replay. A LOGOUT line
// ends it with atTimepoint false.
func (r *Reader) replay(deviceID string, fileIndex int, offset int64, lastFile int, timepoint core.Timestamp) (map[string]core.ConfigValue, bool, error) {
	config := make(map[string]core.ConfigValue)
	limit := timepoint.Micros()
	for fi := fileIndex; fi <= lastFile; fi++ {
		f, err := sys.Open(r.layout.RawFile(deviceID, fi))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, false, fmt.Errorf("failed to open raw file %d: %w", fi, err)
		}
		done, atTimepoint, skipped, err := replayFile(f, offset, limit, config)
		f.Close()
		if skipped > 0 {
			corruptLinesTotal.Add(int64(skipped))
			r.logger.Warn("Skipped malformed raw lines during replay", "device_id", deviceID, "file_index", fi, "skipped", skipped)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to replay raw file %d: %w", fi, err)
		}
		if done {
			return config, atTimepoint, nil
		}
		offset = 0
	}
	return config, true, nil
}

func replayFile(f sys.FileHandle, offset, limit int64, config map[string]core.ConfigValue) (done, atTimepoint bool, skipped int, err error) {
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return false, false, 0, err
		}
	}
	reader := core.RawReaderPool.Get()
	reader.Reset(f)
	defer func() {
		reader.Reset(nil)
		core.RawReaderPool.Put(reader)
	}()
	for {
		line, rerr := reader.ReadString('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			parsed, perr := record.ParseRawLine(line)
			if perr != nil {
				skipped++
			} else if parsed.Timestamp.Micros() > limit {
				if parsed.Flag != record.FlagLogin {
					return true, true, skipped, nil
				}
			} else if parsed.Flag == record.FlagLogout {
				return true, false, skipped, nil
			} else {
				config[parsed.Path] = core.ConfigValue{Value: parsed.Value, Type: parsed.Type, Timestamp: parsed.Timestamp}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return false, true, skipped, nil
			}
			return false, false, skipped, rerr
		}
	}
}
