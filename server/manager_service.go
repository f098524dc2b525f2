package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexushistory/manager"
	"google.golang.org/protobuf/types/known/structpb"
)

// Instance kinds carried by InstanceNew and InstanceGone.
const (
	KindDevice = "device"
	KindHost   = "host"
	KindLogger = "logger"
)

// ManagerService feeds topology notifications into the assignment manager.
type ManagerService struct {
	manager *manager.Manager
	logger  *slog.Logger
}

var _ ManagerServiceServer = (*ManagerService)(nil)

func NewManagerService(m *manager.Manager, logger *slog.Logger) *ManagerService {
	return &ManagerService{manager: m, logger: logger.With("component", "ManagerService")}
}

func (s *ManagerService) InstanceNew(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, invalidArgument(err)
	}
	switch kind := getString(req, "kind"); kind {
	case KindDevice:
		err = s.manager.DeviceAppeared(ctx, id, getBool(req, "archive"))
	case KindHost:
		err = s.manager.HostAppeared(ctx, id)
	case KindLogger:
		host, herr := requireString(req, "host")
		if herr != nil {
			return nil, invalidArgument(herr)
		}
		err = s.manager.LoggerAppeared(ctx, id, host)
	default:
		return nil, invalidArgument(fmt.Errorf("unknown instance kind %q", kind))
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ManagerService) InstanceGone(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, invalidArgument(err)
	}
	switch kind := getString(req, "kind"); kind {
	case KindDevice:
		err = s.manager.DeviceGone(ctx, id)
	case KindHost:
		err = s.manager.HostGone(ctx, id)
	case KindLogger:
		host, herr := requireString(req, "host")
		if herr != nil {
			return nil, invalidArgument(herr)
		}
		err = s.manager.LoggerGone(ctx, id, host)
	default:
		return nil, invalidArgument(fmt.Errorf("unknown instance kind %q", kind))
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

// Assignments returns the logger to host map and the maintained devices.
func (s *ManagerService) Assignments(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	assignments := make(map[string]*structpb.Value)
	for loggerID, hostID := range s.manager.Assignments() {
		assignments[loggerID] = structpb.NewStringValue(hostID)
	}
	maintained := s.manager.Maintained()
	devices := make([]*structpb.Value, 0, len(maintained))
	for _, d := range maintained {
		devices = append(devices, structpb.NewStructValue(newStruct(map[string]*structpb.Value{
			"deviceId": structpb.NewStringValue(d),
			"state":    structpb.NewStringValue(s.manager.State(d).String()),
		})))
	}
	return newStruct(map[string]*structpb.Value{
		"assignments": structpb.NewStructValue(newStruct(assignments)),
		"maintained":  structpb.NewListValue(&structpb.ListValue{Values: devices}),
	}), nil
}
