package server

import (
	"fmt"
	"math"
	"strconv"

	"github.com/INLOpen/nexushistory/core"
	"google.golang.org/protobuf/types/known/structpb"
)

// Timestamps travel as {seconds, fraction, trainId} with each part encoded as a
// decimal string: attosecond fractions do not fit a protobuf double.

func timestampValue(ts core.Timestamp) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"seconds":  structpb.NewStringValue(strconv.FormatUint(ts.Seconds, 10)),
		"fraction": structpb.NewStringValue(strconv.FormatUint(ts.Fraction, 10)),
		"trainId":  structpb.NewStringValue(strconv.FormatUint(ts.TrainID, 10)),
	}})
}

func getUint(s *structpb.Struct, key string) (uint64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 || k.NumberValue != math.Trunc(k.NumberValue) {
			return 0, fmt.Errorf("field %s: %v is not an unsigned integer", key, k.NumberValue)
		}
		return uint64(k.NumberValue), nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("field %s: unexpected kind %T", key, k)
	}
}

func getInt(s *structpb.Struct, key string) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if k.NumberValue != math.Trunc(k.NumberValue) {
			return 0, fmt.Errorf("field %s: %v is not an integer", key, k.NumberValue)
		}
		return int(k.NumberValue), nil
	case *structpb.Value_StringValue:
		n, err := strconv.Atoi(k.StringValue)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return n, nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("field %s: unexpected kind %T", key, k)
	}
}

func getString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func getBool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func requireString(s *structpb.Struct, key string) (string, error) {
	v := getString(s, key)
	if v == "" {
		return "", fmt.Errorf("field %s is required", key)
	}
	return v, nil
}

// getTimestamp reads a nested timestamp struct stored under key.
func getTimestamp(s *structpb.Struct, key string) (core.Timestamp, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return core.Timestamp{}, nil
	}
	return timestampFromStruct(v.GetStructValue())
}

func timestampFromStruct(s *structpb.Struct) (core.Timestamp, error) {
	var ts core.Timestamp
	var err error
	if ts.Seconds, err = getUint(s, "seconds"); err != nil {
		return ts, err
	}
	if ts.Fraction, err = getUint(s, "fraction"); err != nil {
		return ts, err
	}
	if ts.Fraction >= core.AttosecondsPerSecond {
		return ts, fmt.Errorf("field fraction: %d exceeds one second", ts.Fraction)
	}
	if ts.TrainID, err = getUint(s, "trainId"); err != nil {
		return ts, err
	}
	return ts, nil
}

func eventToValue(ev core.ChangeEvent) *structpb.Value {
	fields := map[string]*structpb.Value{
		"path":      structpb.NewStringValue(ev.Path),
		"type":      structpb.NewStringValue(ev.Type),
		"value":     structpb.NewStringValue(ev.Value),
		"timestamp": timestampValue(ev.Timestamp),
	}
	if ev.User != "" {
		fields["user"] = structpb.NewStringValue(ev.User)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func eventsFromStruct(deviceID string, s *structpb.Struct) ([]core.ChangeEvent, error) {
	list := s.GetFields()["properties"].GetListValue().GetValues()
	events := make([]core.ChangeEvent, 0, len(list))
	for i, v := range list {
		p := v.GetStructValue()
		if p == nil {
			return nil, fmt.Errorf("properties[%d] is not an object", i)
		}
		path, err := requireString(p, "path")
		if err != nil {
			return nil, fmt.Errorf("properties[%d]: %w", i, err)
		}
		ts, err := getTimestamp(p, "timestamp")
		if err != nil {
			return nil, fmt.Errorf("properties[%d]: %w", i, err)
		}
		events = append(events, core.ChangeEvent{
			DeviceID:  deviceID,
			Path:      path,
			Type:      getString(p, "type"),
			Value:     getString(p, "value"),
			Timestamp: ts,
			User:      getString(p, "user"),
		})
	}
	return events, nil
}

func schemaToValue(schema *core.Schema) (*structpb.Value, error) {
	if schema == nil {
		return structpb.NewNullValue(), nil
	}
	data, err := schema.Marshal()
	if err != nil {
		return nil, err
	}
	return structpb.NewStringValue(string(data)), nil
}

func schemaFromStruct(s *structpb.Struct, key string) (*core.Schema, error) {
	raw := getString(s, key)
	if raw == "" {
		return nil, fmt.Errorf("field %s is required", key)
	}
	return core.ParseSchema([]byte(raw))
}

func historyToStruct(res *core.HistoryResult) *structpb.Struct {
	entries := make([]*structpb.Value, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"value":     structpb.NewStringValue(e.Value),
			"type":      structpb.NewStringValue(e.Type),
			"timestamp": timestampValue(e.Timestamp),
			"epoch":     structpb.NewNumberValue(e.Timestamp.Epoch()),
			"isLast":    structpb.NewBoolValue(e.IsLast),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"deviceId":     structpb.NewStringValue(res.DeviceID),
		"property":     structpb.NewStringValue(res.Property),
		"entries":      structpb.NewListValue(&structpb.ListValue{Values: entries}),
		"startClamped": structpb.NewBoolValue(res.StartClamped),
	}}
}

func historyFromStruct(s *structpb.Struct) (*core.HistoryResult, error) {
	res := &core.HistoryResult{
		DeviceID:     getString(s, "deviceId"),
		Property:     getString(s, "property"),
		StartClamped: getBool(s, "startClamped"),
	}
	for i, v := range s.GetFields()["entries"].GetListValue().GetValues() {
		e := v.GetStructValue()
		ts, err := getTimestamp(e, "timestamp")
		if err != nil {
			return nil, fmt.Errorf("entries[%d]: %w", i, err)
		}
		res.Entries = append(res.Entries, core.HistoryEntry{
			Value:     getString(e, "value"),
			Type:      getString(e, "type"),
			Timestamp: ts,
			IsLast:    getBool(e, "isLast"),
		})
	}
	return res, nil
}

func snapshotToStruct(snap *core.ConfigurationSnapshot) (*structpb.Struct, error) {
	cfg := make(map[string]*structpb.Value, len(snap.Configuration))
	for path, v := range snap.Configuration {
		cfg[path] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"value":     structpb.NewStringValue(v.Value),
			"type":      structpb.NewStringValue(v.Type),
			"timestamp": timestampValue(v.Timestamp),
		}})
	}
	schema, err := schemaToValue(snap.Schema)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"deviceId":        structpb.NewStringValue(snap.DeviceID),
		"timepoint":       timestampValue(snap.Timepoint),
		"configuration":   structpb.NewStructValue(&structpb.Struct{Fields: cfg}),
		"schema":          schema,
		"atTimepoint":     structpb.NewBoolValue(snap.AtTimepoint),
		"configTimepoint": timestampValue(snap.ConfigTimepoint),
	}}, nil
}

func snapshotFromStruct(s *structpb.Struct) (*core.ConfigurationSnapshot, error) {
	snap := &core.ConfigurationSnapshot{
		DeviceID:      getString(s, "deviceId"),
		AtTimepoint:   getBool(s, "atTimepoint"),
		Configuration: make(map[string]core.ConfigValue),
	}
	var err error
	if snap.Timepoint, err = getTimestamp(s, "timepoint"); err != nil {
		return nil, err
	}
	if snap.ConfigTimepoint, err = getTimestamp(s, "configTimepoint"); err != nil {
		return nil, err
	}
	for path, v := range s.GetFields()["configuration"].GetStructValue().GetFields() {
		c := v.GetStructValue()
		ts, err := getTimestamp(c, "timestamp")
		if err != nil {
			return nil, fmt.Errorf("configuration %s: %w", path, err)
		}
		snap.Configuration[path] = core.ConfigValue{Value: getString(c, "value"), Type: getString(c, "type"), Timestamp: ts}
	}
	if getString(s, "schema") != "" {
		if snap.Schema, err = schemaFromStruct(s, "schema"); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func newStruct(fields map[string]*structpb.Value) *structpb.Struct {
	return &structpb.Struct{Fields: fields}
}
