// Package kernel is the composition root: it builds the providers,
// controllers, broker, and loop for one pairing session and owns the
// observability sinks around them.
package kernel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tandem/pkg/architect"
	"tandem/pkg/broker"
	"tandem/pkg/config"
	"tandem/pkg/driver"
	"tandem/pkg/eventlog"
	"tandem/pkg/logx"
	"tandem/pkg/loop"
	"tandem/pkg/metrics"
	"tandem/pkg/navigator"
	"tandem/pkg/persistence"
	anthropicprovider "tandem/pkg/provider/anthropic"
	"tandem/pkg/provider/claudecode"
	openaiprovider "tandem/pkg/provider/openai"
	"tandem/pkg/proto"
	"tandem/pkg/session"
	"tandem/pkg/tracker"
)

// Result is the terminal outcome of a run.
type Result struct {
	State   proto.State
	Summary string
}

// Kernel owns one session's lifecycle from construction to teardown.
type Kernel struct {
	cfg       *config.Config
	logger    *logx.Logger
	sessionID string

	store    *persistence.Store
	events   *eventlog.Writer
	recorder *metrics.Recorder

	metricsSrv *http.Server

	tracker *tracker.Tracker
	buffer  *broker.Buffer
	broker  *broker.Broker

	loopState *loop.SessionState
	result    Result
}

// New validates cfg and builds the kernel's long-lived components: the
// session store, the event log, the metrics recorder, and the broker stack.
func New(cfg *config.Config, logger *logx.Logger) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logx.NewLogger("kernel")
	}

	stateDir := cfg.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	sessionID := "sess_" + uuid.New().String()

	store, err := persistence.Open(filepath.Join(stateDir, "tandem.db"), sessionID, cfg.Task, nil)
	if err != nil {
		return nil, err
	}

	events, err := eventlog.NewWriter(filepath.Join(stateDir, "logs"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	k := &Kernel{
		cfg:       cfg,
		logger:    logger,
		sessionID: sessionID,
		store:     store,
		events:    events,
	}

	reg := prometheus.NewRegistry()
	k.recorder = metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		k.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := k.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("⚠️ Metrics server failed: %v", err)
			}
		}()
	}

	k.tracker = tracker.New(nil)
	k.buffer = broker.NewBuffer()
	k.broker = broker.New(k.buffer, k.tracker, cfg.PermissionTimeout, nil)
	k.broker.OnResolve = k.observePermission

	return k, nil
}

// SessionID returns the identifier for this run.
func (k *Kernel) SessionID() string { return k.sessionID }

// Result returns the terminal outcome after Run.
func (k *Kernel) Result() Result { return k.result }

// Run opens the sessions, wires the controllers, and executes the loop until
// it reaches a terminal state.
func (k *Kernel) Run(ctx context.Context) error {
	arch := architect.New(
		k.providerFor(k.cfg.Architect),
		k.cfg.Architect.Model,
		k.cfg.ProjectDir,
		k.cfg.ArchitectMaxTurns,
		nil,
	)
	arch.SetMessageSink(k.recordMessage)

	driverSess, err := k.providerFor(k.cfg.Driver).Open(ctx, session.Config{
		Role:       proto.RoleDriver,
		Model:      k.cfg.Driver.Model,
		MaxTurns:   k.cfg.DriverMaxTurns,
		WorkDir:    k.cfg.ProjectDir,
		CanUseTool: k.broker.CanUseTool,
	})
	if err != nil {
		return fmt.Errorf("failed to open driver session: %w", err)
	}

	navSess, err := k.providerFor(k.cfg.Navigator).Open(ctx, session.Config{
		Role:     proto.RoleNavigator,
		Model:    k.cfg.Navigator.Model,
		MaxTurns: k.cfg.NavigatorMaxTurns,
		WorkDir:  k.cfg.ProjectDir,
		// The Navigator observes and reviews; it never mutates.
		DisallowedTools: proto.ReviewableTools(),
	})
	if err != nil {
		_ = driverSess.Close()
		return fmt.Errorf("failed to open navigator session: %w", err)
	}

	drv := driver.New(driverSess, k.buffer, nil)
	drv.SetMessageSink(k.recordMessage)
	drv.SetToolUseObserver(func(name string, input map[string]any, providerCallID string) {
		k.store.RecordToolCall(string(proto.RoleDriver), providerCallID, name, input)
		_ = k.events.Write(eventlog.Entry{
			Role:   string(proto.RoleDriver),
			Kind:   eventlog.KindToolUse,
			Tool:   name,
			Detail: input,
		})
	})

	nav := navigator.New(navSess, nil)
	nav.SetMessageSink(k.recordMessage)
	k.broker.SetReviewer(nav)

	l := loop.New(loop.Config{
		Task:      k.cfg.Task,
		HardLimit: k.cfg.SessionHardLimit,
	}, arch, drv, nav, k.broker, k.buffer, nil)

	l.OnPhaseChange = func(from, to proto.Phase) {
		k.recorder.ObservePhaseTransition(string(from), string(to))
		_ = k.events.Write(eventlog.Entry{
			Kind: eventlog.KindPhase,
			Text: string(to),
		})
	}
	l.OnReviewVerdict = func(pass bool, comment string) {
		k.recorder.ObserveReview(pass)
		_ = k.events.Write(eventlog.Entry{
			Role:   string(proto.RoleNavigator),
			Kind:   eventlog.KindVerdict,
			Text:   comment,
			Detail: map[string]any{"pass": pass},
		})
	}
	l.OnExit = func(final proto.State, summary string) {
		k.result = Result{State: final, Summary: summary}
		if err := k.store.FinishSession(string(final), summary); err != nil {
			k.logger.Warn("⚠️ Failed to record session outcome: %v", err)
		}
		_ = k.events.Write(eventlog.Entry{
			Kind:   eventlog.KindExit,
			Text:   summary,
			Detail: map[string]any{"state": string(final)},
		})
	}

	// Controllers record into the loop's message rings via the shared sink.
	k.loopState = l.State()

	k.logger.Info("🔄 Session %s starting: %s", k.sessionID, k.cfg.Task)
	return l.Run(ctx)
}

// Close flushes and releases every long-lived component. Safe after a failed
// Run.
func (k *Kernel) Close() error {
	k.broker.Shutdown()

	if k.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = k.metricsSrv.Shutdown(ctx)
	}

	var firstErr error
	if err := k.events.Close(); err != nil {
		firstErr = err
	}
	k.store.Flush()
	if err := k.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// providerFor maps a role binding to its backend.
func (k *Kernel) providerFor(binding config.RoleBinding) session.Provider {
	switch binding.Provider {
	case config.ProviderAnthropic:
		return anthropicprovider.New(nil)
	case config.ProviderOpenCode:
		return openaiprovider.New(nil)
	default:
		return claudecode.NewProvider("", nil)
	}
}

// recordMessage fans a transcript message out to the state rings, the store,
// and the event log.
func (k *Kernel) recordMessage(msg proto.Message) {
	if k.loopState != nil {
		switch msg.SessionRole {
		case proto.RoleNavigator:
			k.loopState.RecordNavigatorMessage(msg)
		default:
			k.loopState.RecordDriverMessage(msg)
		}
	}
	k.store.RecordMessage(string(msg.SessionRole), msg.Content)
	_ = k.events.Write(eventlog.Entry{
		Role: string(msg.SessionRole),
		Kind: eventlog.KindMessage,
		Text: msg.Content,
	})
}

// observePermission feeds broker resolutions into metrics, the store, and
// the event log.
func (k *Kernel) observePermission(requestID, tool, outcome string, latency time.Duration) {
	k.recorder.ObservePermission(tool, metricOutcome(outcome), latency)
	k.store.RecordPermission(requestID, tool, outcome == "approve", metricOutcome(outcome), latency)
	_ = k.events.Write(eventlog.Entry{
		Role:   string(proto.RoleNavigator),
		Kind:   eventlog.KindPermission,
		Tool:   tool,
		Text:   outcome,
		Detail: map[string]any{"request_id": requestID, "latency_ms": latency.Milliseconds()},
	})
}

func metricOutcome(outcome string) string {
	switch outcome {
	case "approve":
		return metrics.OutcomeAllowed
	case "deny":
		return metrics.OutcomeDenied
	case "timeout":
		return metrics.OutcomeTimeout
	case "shutdown":
		return metrics.OutcomeShutdown
	default:
		return outcome
	}
}
