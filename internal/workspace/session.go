// Package workspace orchestrates one live preview session: runtime boot,
// initial mount, dependency install, dev-server launch, and the debounced
// file sync loop that keeps the preview current.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/nexus-nebula/nebula/internal/config"
	"github.com/nexus-nebula/nebula/internal/events"
	"github.com/nexus-nebula/nebula/internal/ports"
	"github.com/nexus-nebula/nebula/internal/runtime"
	filesync "github.com/nexus-nebula/nebula/internal/sync"
	"github.com/nexus-nebula/nebula/internal/telemetry/invariants"
	"github.com/nexus-nebula/nebula/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Install runs at most twice per session: the initial attempt plus one
// relaxed fallback.
const maxInstallAttempts = 2

// ErrNotBooted indicates an operation that needs a live runtime was called
// before Boot.
var ErrNotBooted = errors.New("workspace session has not been booted")

// ErrSessionClosed indicates the session was torn down.
var ErrSessionClosed = errors.New("workspace session is closed")

// RuntimeFactory acquires a fresh runtime handle for one session.
type RuntimeFactory func(ctx context.Context) (runtime.Handle, error)

// Option configures Session construction.
type Option func(*Session)

// WithTracer configures the tracer used for phase transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(session *Session) {
		if tracer != nil {
			session.tracer = tracer
		}
	}
}

// WithLogger configures the structured logger used for session diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(session *Session) {
		if logger != nil {
			session.logger = logger
		}
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(session *Session) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			session.id = trimmed
		}
	}
}

// Session owns one runtime handle and drives it through the workspace
// lifecycle. All exported methods are safe for concurrent use.
type Session struct {
	id       string
	cfg      *config.Config
	bus      events.Bus
	registry *ports.Registry
	factory  RuntimeFactory
	logger   *log.Logger
	tracer   trace.Tracer
	now      func() time.Time
	probe    func(installCommand, devCommand string) (runtime.Capability, error)

	debouncer *filesync.Debouncer
	readyCh   chan struct{}
	readyOnce gosync.Once

	mu              gosync.Mutex
	phase           Phase
	bootDone        chan struct{}
	bootErr         error
	handle          runtime.Handle
	engine          *filesync.Engine
	devProcess      runtime.Process
	installDone     bool
	installAttempts int
	startDone       bool
	closed          bool
	history         []TransitionRecord
}

// NewSession builds an idle workspace session. Boot acquires the runtime.
func NewSession(
	cfg *config.Config,
	bus events.Bus,
	registry *ports.Registry,
	factory RuntimeFactory,
	options ...Option,
) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if registry == nil {
		return nil, errors.New("port registry is required")
	}
	if factory == nil {
		return nil, errors.New("runtime factory is required")
	}

	session := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		factory:  factory,
		logger:   log.Default(),
		tracer:   otel.Tracer("nebula/workspace"),
		now:      time.Now,
		probe:    runtime.Probe,
		readyCh:  make(chan struct{}),
		phase:    PhaseIdle,
		history:  []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(session)
	}
	session.debouncer = filesync.NewDebouncer(cfg.QuietPeriod, func(ctx context.Context, tree runtime.Tree) {
		if _, err := session.SyncNow(ctx, tree); err != nil && !errors.Is(err, ErrNotBooted) {
			session.logger.With("error", err).Warn("debounced sync failed")
		}
	})

	return session, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	if s == nil {
		return PhaseIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Handle returns the session's runtime handle once booted.
func (s *Session) Handle() (runtime.Handle, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, ErrNotBooted
	}
	return s.handle, nil
}

// History returns phase transition records captured by this session.
func (s *Session) History() []TransitionRecord {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Boot drives the session from idle to ready: capability check, runtime
// acquisition, full mount, dependency install, dev-server launch, and the
// wait for the first port announcement. At most one boot runs per session:
// calling Boot on a booted session returns the existing handle without side
// effects, and calling it while a boot is in flight waits for that boot and
// returns its result.
func (s *Session) Boot(ctx context.Context, tree runtime.Tree) (runtime.Handle, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if done := s.bootDone; done != nil {
		s.mu.Unlock()
		return s.awaitBoot(ctx, done)
	}
	if s.handle != nil {
		handle := s.handle
		s.mu.Unlock()
		return handle, nil
	}
	done := make(chan struct{})
	s.bootDone = done
	s.mu.Unlock()

	handle, err := s.boot(ctx, tree)

	s.mu.Lock()
	s.bootErr = err
	s.bootDone = nil
	s.mu.Unlock()
	close(done)
	return handle, err
}

// awaitBoot parks a re-entrant caller until the in-flight boot resolves and
// hands it that boot's outcome.
func (s *Session) awaitBoot(ctx context.Context, done <-chan struct{}) (runtime.Handle, error) {
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootErr != nil {
		return nil, s.bootErr
	}
	return s.handle, nil
}

func (s *Session) boot(ctx context.Context, tree runtime.Tree) (runtime.Handle, error) {
	if _, err := s.probe(s.cfg.InstallCommand, s.cfg.DevCommand); err != nil {
		return nil, fmt.Errorf("capability check: %w", err)
	}

	if err := s.transition(ctx, PhaseBooting, "runtime boot requested"); err != nil {
		return nil, err
	}

	handle, err := s.factory(ctx)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("acquire runtime: %w", err))
	}
	handle.OnServerReady(s.onServerReady)

	engine, err := filesync.NewEngine(handle, s.bus, filesync.WithLogger(s.logger))
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.engine = engine
	s.mu.Unlock()

	if err := s.transition(ctx, PhaseMounting, "runtime acquired"); err != nil {
		return nil, err
	}
	if err := engine.Mount(ctx, tree); err != nil {
		return nil, s.fail(ctx, err)
	}

	if err := s.transition(ctx, PhaseInstalling, "file tree mounted"); err != nil {
		return nil, err
	}
	if err := s.install(ctx, handle); err != nil {
		return nil, s.fail(ctx, err)
	}

	if err := s.transition(ctx, PhaseStarting, "dependencies installed"); err != nil {
		return nil, err
	}
	if err := s.startDev(ctx, handle); err != nil {
		return nil, s.fail(ctx, err)
	}

	select {
	case <-s.readyCh:
	case <-time.After(s.cfg.ReadyTimeout):
		return nil, s.fail(ctx, fmt.Errorf("dev server announced no port within %s", s.cfg.ReadyTimeout))
	case <-ctx.Done():
		return nil, s.fail(ctx, ctx.Err())
	}

	// An announcement that landed before the starting phase closed readyCh
	// without transitioning; settle the phase here.
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase == PhaseStarting {
		if err := s.transition(ctx, PhaseReady, "port announced"); err != nil {
			s.logger.With("error", err).Debug("ready transition skipped")
		}
	}

	return handle, nil
}

// Notify feeds a fresh snapshot into the debounced sync loop. Rapid calls
// coalesce; only the latest snapshot after a quiet period is applied.
func (s *Session) Notify(tree runtime.Tree) {
	if s == nil {
		return
	}
	s.debouncer.Notify(tree)
}

// SyncNow bypasses debouncing and syncs the snapshot immediately.
func (s *Session) SyncNow(ctx context.Context, tree runtime.Tree) ([]string, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return nil, ErrNotBooted
	}
	return engine.Sync(ctx, tree)
}

// Spawn runs a one-off command inside the session runtime, concurrently with
// the dev server.
func (s *Session) Spawn(
	ctx context.Context,
	command string,
	args []string,
	opts runtime.SpawnOpts,
) (runtime.Process, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil, ErrNotBooted
	}
	return handle.Spawn(ctx, command, args, opts)
}

// Close cancels the debounced sync loop and marks the session unusable.
//
// The dev-server process is not terminated: the runtime handle owns it and
// reclaims it when the sandbox itself is discarded. Locally spawned dev
// servers therefore outlive Close; see the session log for their PIDs.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.debouncer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.devProcess != nil {
		s.logger.With("pid", s.devProcess.PID()).Info("session closed; dev server left to the runtime")
	}
	return nil
}

// install runs the dependency install inside the runtime, retrying exactly
// once with the relaxed argument set on a non-zero exit. It runs at most
// once per session.
func (s *Session) install(ctx context.Context, handle runtime.Handle) error {
	s.mu.Lock()
	if s.installDone {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	exitCode, err := s.runInstall(ctx, handle, s.cfg.InstallArgs)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		s.logger.With("exit_code", exitCode).Warn("install failed; retrying with relaxed flags")
		s.mu.Lock()
		attempts := s.installAttempts
		s.mu.Unlock()
		invariants.CheckInstallRetryCeiling(ctx, "workspace.Session.install", attempts+1, maxInstallAttempts)

		exitCode, err = s.runInstall(ctx, handle, s.cfg.InstallRelaxedArgs)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("install failed with exit code %d after relaxed retry", exitCode)
		}
	}

	s.mu.Lock()
	s.installDone = true
	s.mu.Unlock()
	return nil
}

func (s *Session) runInstall(ctx context.Context, handle runtime.Handle, args []string) (int, error) {
	s.mu.Lock()
	s.installAttempts++
	s.mu.Unlock()

	s.logger.With("command", tracing.FormatCommand(s.cfg.InstallCommand, tracing.RedactArgs(args))).Info("running install")
	process, err := handle.Spawn(ctx, s.cfg.InstallCommand, args, runtime.SpawnOpts{
		OnOutput: func(line string) {
			s.logger.With("stream", "install").Debug(line)
		},
	})
	if err != nil {
		return 0, fmt.Errorf("spawn install: %w", err)
	}
	exitCode, err := process.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for install: %w", err)
	}
	return exitCode, nil
}

// startDev launches the dev server without waiting for it to exit. It runs
// at most once per session.
func (s *Session) startDev(ctx context.Context, handle runtime.Handle) error {
	s.mu.Lock()
	if s.startDone {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	process, err := handle.Spawn(ctx, s.cfg.DevCommand, s.cfg.DevArgs, runtime.SpawnOpts{
		OnOutput: func(line string) {
			s.logger.With("stream", "dev").Debug(line)
		},
	})
	if err != nil {
		return fmt.Errorf("spawn dev server: %w", err)
	}

	s.mu.Lock()
	s.devProcess = process
	s.startDone = true
	s.mu.Unlock()

	s.logger.With(
		"command", tracing.FormatCommand(s.cfg.DevCommand, tracing.RedactArgs(s.cfg.DevArgs)),
		"pid", process.PID(),
	).Info("dev server started")
	return nil
}

// onServerReady handles runtime port announcements. The first announcement
// moves the session from starting to ready.
func (s *Session) onServerReady(port int, url string) {
	s.registry.Announce(port, url)
	s.bus.Publish(events.Event{
		Type:       events.EventTypePortAnnounced,
		EntityType: "session",
		EntityID:   s.id,
		Payload: map[string]any{
			"port": port,
			"url":  url,
		},
		Severity: events.SeverityInfo,
	})

	s.mu.Lock()
	starting := s.phase == PhaseStarting
	s.mu.Unlock()
	if starting {
		if err := s.transition(context.Background(), PhaseReady, fmt.Sprintf("port %d announced", port)); err != nil {
			// A concurrent announcement already won the transition.
			s.logger.With("port", port, "error", err).Debug("ready transition skipped")
		}
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// fail moves the session into the terminal error phase and returns cause.
func (s *Session) fail(ctx context.Context, cause error) error {
	if err := s.transition(ctx, PhaseError, cause.Error()); err != nil {
		s.logger.With("error", err).Warn("error transition rejected")
	}
	s.bus.Publish(events.Event{
		Type:       events.EventTypeSystemAlert,
		EntityType: "session",
		EntityID:   s.id,
		Payload:    map[string]string{"error": cause.Error()},
		Severity:   events.SeverityError,
	})
	return cause
}

// transition validates and records one phase transition.
func (s *Session) transition(ctx context.Context, toPhase Phase, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	ctx, span := s.tracer.Start(ctx, "workspace.phase_transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	s.mu.Lock()
	fromPhase := s.phase
	span.SetAttributes(
		attribute.String("session_id", s.id),
		attribute.String("from_phase", string(fromPhase)),
		attribute.String("to_phase", string(toPhase)),
		attribute.String("reason", reason),
	)

	if !isAllowed(fromPhase, toPhase) {
		s.mu.Unlock()
		invariants.CheckPhaseTransitionLegal(
			ctx,
			"workspace.Session.transition",
			string(fromPhase),
			string(toPhase),
			false,
		)
		err := &IllegalTransitionError{
			SessionID: s.id,
			FromPhase: fromPhase,
			ToPhase:   toPhase,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: s.id,
		FromPhase: fromPhase,
		ToPhase:   toPhase,
		Reason:    strings.TrimSpace(reason),
		Timestamp: s.now().UTC(),
	}
	s.phase = toPhase
	s.history = append(s.history, record)
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Type:       events.EventTypePhaseTransition,
		EntityType: "session",
		EntityID:   s.id,
		Payload: map[string]string{
			"from_phase": string(fromPhase),
			"to_phase":   string(toPhase),
			"reason":     record.Reason,
		},
		Severity: events.SeverityInfo,
	})
	s.logger.With("from", fromPhase, "to", toPhase).Info("phase transition")

	span.SetStatus(codes.Ok, "phase transition recorded")
	return nil
}
