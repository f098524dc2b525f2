package server

import (
	"context"
	"errors"
	"strings"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/node"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ArchiveServiceName = "nexushistory.v1.Archive"
	ManagerServiceName = "nexushistory.v1.Manager"

	ArchiveChanged_FullMethodName                   = "/nexushistory.v1.Archive/Changed"
	ArchiveSchemaUpdated_FullMethodName             = "/nexushistory.v1.Archive/SchemaUpdated"
	ArchiveTagDeviceToBeDiscontinued_FullMethodName = "/nexushistory.v1.Archive/TagDeviceToBeDiscontinued"
	ArchiveFlush_FullMethodName                     = "/nexushistory.v1.Archive/Flush"
	ArchiveGetPropertyHistory_FullMethodName        = "/nexushistory.v1.Archive/GetPropertyHistory"
	ArchiveGetConfigurationFromPast_FullMethodName  = "/nexushistory.v1.Archive/GetConfigurationFromPast"
	ArchiveInstantiateLogger_FullMethodName         = "/nexushistory.v1.Archive/InstantiateLogger"
	ArchiveInstantiateReaders_FullMethodName        = "/nexushistory.v1.Archive/InstantiateReaders"
	ArchiveShutdownLogger_FullMethodName            = "/nexushistory.v1.Archive/ShutdownLogger"

	ManagerInstanceNew_FullMethodName  = "/nexushistory.v1.Manager/InstanceNew"
	ManagerInstanceGone_FullMethodName = "/nexushistory.v1.Manager/InstanceGone"
	ManagerAssignments_FullMethodName  = "/nexushistory.v1.Manager/Assignments"
)

// ReadOnlyMethods are the calls open to the reader role.
func ReadOnlyMethods() []string {
	return []string{
		ArchiveGetPropertyHistory_FullMethodName,
		ArchiveGetConfigurationFromPast_FullMethodName,
		ManagerAssignments_FullMethodName,
	}
}

// unaryFunc is the shape of every method: a Struct in, a Struct out.
type unaryFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// ArchiveServiceServer is the server API of a worker host.
type ArchiveServiceServer interface {
	Changed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SchemaUpdated(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TagDeviceToBeDiscontinued(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Flush(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPropertyHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetConfigurationFromPast(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	InstantiateLogger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	InstantiateReaders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ShutdownLogger(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ManagerServiceServer receives topology notifications.
type ManagerServiceServer interface {
	InstanceNew(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	InstanceGone(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Assignments(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler[S any](fullMethod string, pick func(srv S) unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := pick(srv.(S))
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(ctx, req.(*structpb.Struct))
		})
	}
}

func archiveMethod(name string, pick func(ArchiveServiceServer) unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{MethodName: name, Handler: unaryHandler("/"+ArchiveServiceName+"/"+name, pick)}
}

func managerMethod(name string, pick func(ManagerServiceServer) unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{MethodName: name, Handler: unaryHandler("/"+ManagerServiceName+"/"+name, pick)}
}

// ArchiveService_ServiceDesc describes nexushistory.v1.Archive.
var ArchiveService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ArchiveServiceName,
	HandlerType: (*ArchiveServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		archiveMethod("Changed", func(s ArchiveServiceServer) unaryFunc { return s.Changed }),
		archiveMethod("SchemaUpdated", func(s ArchiveServiceServer) unaryFunc { return s.SchemaUpdated }),
		archiveMethod("TagDeviceToBeDiscontinued", func(s ArchiveServiceServer) unaryFunc { return s.TagDeviceToBeDiscontinued }),
		archiveMethod("Flush", func(s ArchiveServiceServer) unaryFunc { return s.Flush }),
		archiveMethod("GetPropertyHistory", func(s ArchiveServiceServer) unaryFunc { return s.GetPropertyHistory }),
		archiveMethod("GetConfigurationFromPast", func(s ArchiveServiceServer) unaryFunc { return s.GetConfigurationFromPast }),
		archiveMethod("InstantiateLogger", func(s ArchiveServiceServer) unaryFunc { return s.InstantiateLogger }),
		archiveMethod("InstantiateReaders", func(s ArchiveServiceServer) unaryFunc { return s.InstantiateReaders }),
		archiveMethod("ShutdownLogger", func(s ArchiveServiceServer) unaryFunc { return s.ShutdownLogger }),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexushistory/v1/archive",
}

// ManagerService_ServiceDesc describes nexushistory.v1.Manager.
var ManagerService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ManagerServiceName,
	HandlerType: (*ManagerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		managerMethod("InstanceNew", func(s ManagerServiceServer) unaryFunc { return s.InstanceNew }),
		managerMethod("InstanceGone", func(s ManagerServiceServer) unaryFunc { return s.InstanceGone }),
		managerMethod("Assignments", func(s ManagerServiceServer) unaryFunc { return s.Assignments }),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexushistory/v1/manager",
}

// invalidArgument wraps a request decoding error.
func invalidArgument(err error) error {
	return status.Error(codes.InvalidArgument, err.Error())
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, core.ErrOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, core.ErrTimepointTooEarly), errors.Is(err, core.ErrOutsideLoggedData), errors.Is(err, core.ErrNoSchema):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, node.ErrNoLogger):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus turns a status received by a client back into the domain sentinel
// it was mapped from, keeping the server message.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.OutOfRange:
		sentinel = core.ErrOutOfRange
	case codes.NotFound:
		sentinel = node.ErrNoLogger
	case codes.Unavailable:
		return err
	case codes.FailedPrecondition:
		sentinel = core.ErrOutsideLoggedData
		if containsErr(st.Message(), core.ErrTimepointTooEarly) {
			sentinel = core.ErrTimepointTooEarly
		} else if containsErr(st.Message(), core.ErrNoSchema) {
			sentinel = core.ErrNoSchema
		}
	default:
		return err
	}
	return &remoteError{sentinel: sentinel, status: err}
}

// remoteError keeps the gRPC status while matching the domain sentinel.
type remoteError struct {
	sentinel error
	status   error
}

func (e *remoteError) Error() string { return e.status.Error() }

func (e *remoteError) Is(target error) bool { return target == e.sentinel }

func (e *remoteError) GRPCStatus() *status.Status {
	st, _ := status.FromError(e.status)
	return st
}

func containsErr(msg string, err error) bool {
	return strings.Contains(msg, err.Error())
}
