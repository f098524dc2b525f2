// Package manager assigns one archive logger per device to a pool of worker
// hosts and keeps that assignment stable across restarts.
package manager

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	assignmentsTotal     = expvar.NewInt("manager_assignments_total")
	instantiationsTotal  = expvar.NewInt("manager_logger_instantiations_total")
	instantiationErrors  = expvar.NewInt("manager_logger_instantiation_errors_total")
	discontinuationTotal = expvar.NewInt("manager_devices_discontinued_total")
)

const (
	// LoggerPrefix prefixes the id of the logger of a device.
	LoggerPrefix          = "DataLogger-"
	DefaultReadersPerHost = 2
	DefaultRPCTimeout     = 5 * time.Second
)

// LoggerID returns the id of the logger archiving deviceID.
func LoggerID(deviceID string) string { return LoggerPrefix + deviceID }

// DeviceState is the lifecycle state of a device as seen by the manager.
type DeviceState int

const (
	StateUnseen DeviceState = iota
	StateUnassigned
	StateLoggerPending
	StateLoggerUp
	StateLoggerGone
)

func (s DeviceState) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateUnassigned:
		return "maintained(unassigned)"
	case StateLoggerPending:
		return "maintained(assigned, logger-pending)"
	case StateLoggerUp:
		return "maintained(assigned, logger-up)"
	case StateLoggerGone:
		return "maintained(assigned, logger-gone)"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// HostClient issues the remote calls the manager makes on worker hosts.
type HostClient interface {
	InstantiateLogger(ctx context.Context, hostID, loggerID, deviceID string) error
	InstantiateReaders(ctx context.Context, hostID string, count int) error
	TagDiscontinued(ctx context.Context, hostID, deviceID string) error
	ShutdownLogger(ctx context.Context, hostID, loggerID string) error
}

type Options struct {
	ServerList     []string
	ReadersPerHost int
	RPCTimeout     time.Duration
	Client         HostClient
	Store          Store
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	Tracer         trace.Tracer
}

type loggerStatus int

const (
	loggerPending loggerStatus = iota
	loggerUp
	loggerStopping
)

// Manager reacts to topology notifications. All registries are guarded by mu.
// Remote calls run in background goroutines, in order per logger, and failures
// are retried on the next relevant notification.
type Manager struct {
	serverList     []string
	readersPerHost int
	rpcTimeout     time.Duration
	client         HostClient
	store          Store
	logger         *slog.Logger
	hookManager    hooks.HookManager
	tracer         trace.Tracer

	mu          sync.Mutex
	next        int
	assignments map[string]string // loggerID -> hostID
	maintained  map[string]struct{}
	// instantiated is the in-memory registry hostID -> loggerID -> status
	instantiated map[string]map[string]loggerStatus
	gone         map[string]struct{}
	hostsUp      map[string]struct{}
	online       map[string]struct{} // devices currently present
	dirty        bool
	// tails holds the completion channel of the last remote call queued per logger
	tails map[string]chan struct{}

	wg sync.WaitGroup
}

// New loads the persisted state from opts.Store.
func New(opts Options) (*Manager, error) {
	if len(opts.ServerList) == 0 {
		return nil, &core.ConfigurationError{Option: "server_list", Err: errors.New("must name at least one host")}
	}
	if opts.Client == nil {
		return nil, errors.New("manager needs a host client")
	}
	if opts.Store == nil {
		return nil, errors.New("manager needs a state store")
	}
	if opts.ReadersPerHost <= 0 {
		opts.ReadersPerHost = DefaultReadersPerHost
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/nexushistory/manager")
	}

	st, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load manager state: %w", err)
	}
	m := &Manager{
		serverList:     append([]string(nil), opts.ServerList...),
		readersPerHost: opts.ReadersPerHost,
		rpcTimeout:     opts.RPCTimeout,
		client:         opts.Client,
		store:          opts.Store,
		logger:         logger.With("component", "AssignmentManager"),
		hookManager:    hm,
		tracer:         tracer,
		assignments:    make(map[string]string, len(st.Assignments)),
		maintained:     make(map[string]struct{}, len(st.Maintained)),
		instantiated:   make(map[string]map[string]loggerStatus),
		gone:           make(map[string]struct{}),
		hostsUp:        make(map[string]struct{}),
		online:         make(map[string]struct{}),
		tails:          make(map[string]chan struct{}),
	}
	for loggerID, hostID := range st.Assignments {
		m.assignments[loggerID] = hostID
	}
	for _, d := range st.Maintained {
		m.maintained[d] = struct{}{}
	}
	m.next = len(m.assignments) % len(m.serverList)
	m.logger.Info("Assignment manager loaded state", "assignments", len(m.assignments), "maintained", len(m.maintained))
	return m, nil
}

// DeviceAppeared handles a device instance appearing. Devices without the
// archive flag are ignored.
func (m *Manager) DeviceAppeared(ctx context.Context, deviceID string, archive bool) error {
	if !archive {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "Manager.DeviceAppeared", trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[deviceID] = struct{}{}

	if _, ok := m.maintained[deviceID]; !ok {
		m.maintained[deviceID] = struct{}{}
		if err := m.store.SaveMaintained(m.maintainedListLocked()); err != nil {
			delete(m.maintained, deviceID)
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist maintained devices")
			return fmt.Errorf("failed to persist maintained devices: %w", err)
		}
	}

	loggerID := LoggerID(deviceID)
	hostID, ok := m.assignments[loggerID]
	if !ok {
		hostID = m.serverList[m.next%len(m.serverList)]
		m.next++
		m.assignments[loggerID] = hostID
		m.dirty = true
		assignmentsTotal.Add(1)
		m.logger.Info("Assigned logger", "device_id", deviceID, "logger_id", loggerID, "host_id", hostID)
		m.hookManager.Trigger(ctx, hooks.NewPostAssignEvent(hooks.PostAssignPayload{DeviceID: deviceID, LoggerID: loggerID, HostID: hostID}))
	}
	if err := m.flushAssignmentsLocked(); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("host_id", hostID))
	m.instantiateLocked(hostID, loggerID, deviceID)
	return nil
}

// DeviceGone tags the device's logger as discontinued and shuts it down. The
// assignment is kept so the device returns to the same host.
func (m *Manager) DeviceGone(ctx context.Context, deviceID string) error {
	_, span := m.tracer.Start(ctx, "Manager.DeviceGone", trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, deviceID)

	loggerID := LoggerID(deviceID)
	hostID, ok := m.assignments[loggerID]
	if !ok {
		return nil
	}
	loggers := m.instantiated[hostID]
	if status, ok := loggers[loggerID]; !ok || status == loggerStopping {
		return nil
	}
	loggers[loggerID] = loggerStopping
	discontinuationTotal.Add(1)
	m.asyncLogger("discontinue", loggerID, func(ctx context.Context) error {
		if err := m.client.TagDiscontinued(ctx, hostID, deviceID); err != nil {
			m.logger.Warn("Failed to tag device discontinued", "device_id", deviceID, "host_id", hostID, "error", err)
		}
		err := m.client.ShutdownLogger(ctx, hostID, loggerID)
		m.mu.Lock()
		defer m.mu.Unlock()
		if loggers, ok := m.instantiated[hostID]; ok && loggers[loggerID] == loggerStopping {
			delete(loggers, loggerID)
			m.gone[loggerID] = struct{}{}
		}
		return err
	})
	return m.flushAssignmentsLocked()
}

// HostAppeared instantiates the host's readers and every logger assigned to it
// that is not up yet.
func (m *Manager) HostAppeared(ctx context.Context, hostID string) error {
	_, span := m.tracer.Start(ctx, "Manager.HostAppeared", trace.WithAttributes(attribute.String("host_id", hostID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isServerLocked(hostID) {
		m.logger.Debug("Ignoring host outside the server list", "host_id", hostID)
		return nil
	}
	m.hostsUp[hostID] = struct{}{}
	count := m.readersPerHost
	m.async("instantiate readers", nil, func(ctx context.Context) error {
		return m.client.InstantiateReaders(ctx, hostID, count)
	})

	loggerIDs := make([]string, 0)
	for loggerID, h := range m.assignments {
		if h == hostID {
			loggerIDs = append(loggerIDs, loggerID)
		}
	}
	sort.Strings(loggerIDs)
	for _, loggerID := range loggerIDs {
		deviceID := loggerID[len(LoggerPrefix):]
		if _, ok := m.maintained[deviceID]; !ok {
			continue
		}
		m.instantiateLocked(hostID, loggerID, deviceID)
	}
	return nil
}

// HostGone forgets the loggers instantiated on hostID so they are recreated
// when it returns.
func (m *Manager) HostGone(ctx context.Context, hostID string) error {
	_, span := m.tracer.Start(ctx, "Manager.HostGone", trace.WithAttributes(attribute.String("host_id", hostID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hostsUp, hostID)
	for loggerID := range m.instantiated[hostID] {
		m.gone[loggerID] = struct{}{}
	}
	delete(m.instantiated, hostID)
	return nil
}

// LoggerAppeared records a running logger, e.g. one that survived a manager
// restart, so it is not instantiated twice.
func (m *Manager) LoggerAppeared(ctx context.Context, loggerID, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registryLocked(hostID)[loggerID] = loggerUp
	delete(m.gone, loggerID)
	if _, ok := m.assignments[loggerID]; !ok {
		m.assignments[loggerID] = hostID
		m.dirty = true
	}
	return m.flushAssignmentsLocked()
}

// LoggerGone marks a logger as down; the next topology event for its device
// or host instantiates it again.
func (m *Manager) LoggerGone(ctx context.Context, loggerID, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loggers, ok := m.instantiated[hostID]; ok {
		if _, ok := loggers[loggerID]; ok {
			delete(loggers, loggerID)
			m.gone[loggerID] = struct{}{}
		}
	}
	return nil
}

// State returns the lifecycle state of deviceID.
func (m *Manager) State(deviceID string) DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.maintained[deviceID]; !ok {
		return StateUnseen
	}
	loggerID := LoggerID(deviceID)
	hostID, ok := m.assignments[loggerID]
	if !ok {
		return StateUnassigned
	}
	if status, ok := m.instantiated[hostID][loggerID]; ok {
		switch status {
		case loggerUp:
			return StateLoggerUp
		case loggerStopping:
			return StateLoggerGone
		}
		return StateLoggerPending
	}
	if _, ok := m.gone[loggerID]; ok {
		return StateLoggerGone
	}
	return StateLoggerPending
}

// Assignments returns a copy of the logger to host map.
func (m *Manager) Assignments() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.assignments))
	for k, v := range m.assignments {
		out[k] = v
	}
	return out
}

// Maintained returns the sorted list of maintained devices.
func (m *Manager) Maintained() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maintainedListLocked()
}

// Wait blocks until all outstanding remote calls finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close waits for outstanding calls, persists pending changes and closes the store.
func (m *Manager) Close() error {
	m.wg.Wait()
	m.mu.Lock()
	err := m.flushAssignmentsLocked()
	m.mu.Unlock()
	if cerr := m.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *Manager) isServerLocked(hostID string) bool {
	for _, s := range m.serverList {
		if s == hostID {
			return true
		}
	}
	return false
}

func (m *Manager) registryLocked(hostID string) map[string]loggerStatus {
	loggers, ok := m.instantiated[hostID]
	if !ok {
		loggers = make(map[string]loggerStatus)
		m.instantiated[hostID] = loggers
	}
	return loggers
}

func (m *Manager) maintainedListLocked() []string {
	out := make([]string, 0, len(m.maintained))
	for d := range m.maintained {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// flushAssignmentsLocked persists the assignment map when it changed.
func (m *Manager) flushAssignmentsLocked() error {
	if !m.dirty {
		return nil
	}
	if err := m.store.SaveAssignments(m.assignments); err != nil {
		return fmt.Errorf("failed to persist logger assignments: %w", err)
	}
	m.dirty = false
	return nil
}

// instantiateLocked requests a logger on hostID unless the registry already
// has it. A logger still stopping is requested again after its shutdown call.
// A failed request is removed from the registry again.
func (m *Manager) instantiateLocked(hostID, loggerID, deviceID string) {
	if _, up := m.hostsUp[hostID]; !up {
		return
	}
	loggers := m.registryLocked(hostID)
	if status, ok := loggers[loggerID]; ok && status != loggerStopping {
		return
	}
	loggers[loggerID] = loggerPending
	delete(m.gone, loggerID)
	instantiationsTotal.Add(1)

	m.asyncLogger("instantiate logger", loggerID, func(ctx context.Context) error {
		err := m.client.InstantiateLogger(ctx, hostID, loggerID, deviceID)
		m.mu.Lock()
		defer m.mu.Unlock()
		loggers, ok := m.instantiated[hostID]
		if !ok {
			return err
		}
		if err != nil {
			instantiationErrors.Add(1)
			if loggers[loggerID] == loggerPending {
				delete(loggers, loggerID)
			}
			return err
		}
		if loggers[loggerID] == loggerPending {
			loggers[loggerID] = loggerUp
		}
		return nil
	})
}

// asyncLogger is async for calls addressing loggerID. A call starts once the
// previous call queued for the same logger finished.
func (m *Manager) asyncLogger(op, loggerID string, fn func(ctx context.Context) error) {
	prev := m.tails[loggerID]
	done := make(chan struct{})
	m.tails[loggerID] = done
	m.async(op, prev, func(ctx context.Context) error {
		defer func() {
			m.mu.Lock()
			if m.tails[loggerID] == done {
				delete(m.tails, loggerID)
			}
			m.mu.Unlock()
			close(done)
		}()
		return fn(ctx)
	})
}

// async runs a remote call with the RPC timeout in the background, after the
// after channel is closed when it is not nil.
func (m *Manager) async(op string, after <-chan struct{}, fn func(ctx context.Context) error) {
	requestID := uuid.NewString()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if after != nil {
			<-after
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.rpcTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Warn("Remote call failed, will retry on next topology event", "op", op, "request_id", requestID, "error", err)
			return
		}
		m.logger.Debug("Remote call completed", "op", op, "request_id", requestID)
	}()
}
