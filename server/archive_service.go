package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexushistory/auth"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/node"
	"google.golang.org/protobuf/types/known/structpb"
)

// ArchiveService exposes a worker host's loggers and readers over gRPC.
type ArchiveService struct {
	node   *node.Node
	logger *slog.Logger
}

var _ ArchiveServiceServer = (*ArchiveService)(nil)

func NewArchiveService(n *node.Node, logger *slog.Logger) *ArchiveService {
	return &ArchiveService{node: n, logger: logger.With("component", "ArchiveService")}
}

func empty() *structpb.Struct { return &structpb.Struct{Fields: map[string]*structpb.Value{}} }

func (s *ArchiveService) Changed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := requireString(req, "deviceId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	events, err := eventsFromStruct(deviceID, req)
	if err != nil {
		return nil, invalidArgument(err)
	}
	if user, ok := auth.UserFromContext(ctx); ok {
		for i := range events {
			if events[i].User == "" {
				events[i].User = user.Username
			}
		}
	}
	if err := s.node.Changed(ctx, deviceID, events); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ArchiveService) SchemaUpdated(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := requireString(req, "deviceId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	schema, err := schemaFromStruct(req, "schema")
	if err != nil {
		return nil, invalidArgument(err)
	}
	ts, err := getTimestamp(req, "timestamp")
	if err != nil {
		return nil, invalidArgument(err)
	}
	if err := s.node.SchemaUpdated(ctx, deviceID, schema, ts); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ArchiveService) TagDeviceToBeDiscontinued(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := requireString(req, "deviceId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	reason := getString(req, "reason")
	if len(reason) > 1 {
		return nil, invalidArgument(fmt.Errorf("reason must be a single character, got %q", reason))
	}
	var r byte
	if reason != "" {
		r = reason[0]
	}
	if err := s.node.TagDiscontinued(ctx, deviceID, getBool(req, "wasValid"), r); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

// Flush flushes one device when deviceId is set, otherwise every logger of the host.
func (s *ArchiveService) Flush(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.node.Flush(ctx, getString(req, "deviceId")); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ArchiveService) GetPropertyHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := requireString(req, "deviceId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	property, err := requireString(req, "property")
	if err != nil {
		return nil, invalidArgument(err)
	}
	var hr core.HistoryRequest
	if hr.From, err = getTimestamp(req, "from"); err != nil {
		return nil, invalidArgument(err)
	}
	if hr.To, err = getTimestamp(req, "to"); err != nil {
		return nil, invalidArgument(err)
	}
	if hr.MaxNumData, err = getInt(req, "maxNumData"); err != nil {
		return nil, invalidArgument(err)
	}
	res, err := s.node.GetPropertyHistory(ctx, deviceID, property, hr)
	if err != nil {
		return nil, toStatus(err)
	}
	return historyToStruct(res), nil
}

func (s *ArchiveService) GetConfigurationFromPast(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := requireString(req, "deviceId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	timepoint, err := getTimestamp(req, "timepoint")
	if err != nil {
		return nil, invalidArgument(err)
	}
	snap, err := s.node.GetConfigurationFromPast(ctx, deviceID, timepoint)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := snapshotToStruct(snap)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *ArchiveService) InstantiateLogger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	loggerID, err := requireString(req, "loggerId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	deviceID, err := requireString(req, "deviceId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	if err := s.node.InstantiateLogger(loggerID, deviceID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ArchiveService) InstantiateReaders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	count, err := getInt(req, "count")
	if err != nil {
		return nil, invalidArgument(err)
	}
	if count <= 0 {
		return nil, invalidArgument(fmt.Errorf("count must be positive, got %d", count))
	}
	if err := s.node.InstantiateReaders(count); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ArchiveService) ShutdownLogger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	loggerID, err := requireString(req, "loggerId")
	if err != nil {
		return nil, invalidArgument(err)
	}
	if err := s.node.ShutdownLogger(loggerID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}
