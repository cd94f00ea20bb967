// Package sessiontest provides a scripted in-memory session for tests.
package sessiontest

import (
	"context"
	"sync"

	"tandem/pkg/proto"
	"tandem/pkg/session"
)

// Script handles one prompt turn: it emits whatever events the fake agent
// should produce. It runs on its own goroutine per prompt, in order.
type Script func(ctx context.Context, s *Session, prompt string)

// Session is a scripted session.Session implementation.
type Session struct {
	cfg    session.Config
	script Script

	events chan session.Event

	mu          sync.Mutex
	prompts     []string
	closed      bool
	interrupted bool
	turn        int
	turnWG      sync.WaitGroup
}

// NewSession creates a scripted session with the given per-turn script.
func NewSession(cfg session.Config, script Script) *Session {
	return &Session{
		cfg:    cfg,
		script: script,
		events: make(chan session.Event, 256),
	}
}

// Config exposes the config the session was opened with, so scripts can
// exercise the permission guard the way a real provider would.
func (s *Session) Config() session.Config {
	return s.cfg
}

// Guard invokes the configured permission guard, mimicking a provider
// consulting it before executing a tool.
func (s *Session) Guard(ctx context.Context, toolName string, input map[string]any, opts session.GuardOptions) (*proto.PermissionResult, error) {
	if s.cfg.CanUseTool == nil {
		return proto.AllowResult(input, ""), nil
	}
	return s.cfg.CanUseTool(ctx, toolName, input, opts)
}

// Emit pushes an event onto the stream. Safe from script goroutines.
func (s *Session) Emit(ev session.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.events <- ev
}

// SendPrompt records the prompt and runs the script on a fresh goroutine.
func (s *Session) SendPrompt(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return proto.ErrSessionClosed
	}
	s.prompts = append(s.prompts, text)
	s.turn++
	s.mu.Unlock()

	if s.script == nil {
		return nil
	}
	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		s.script(ctx, s, text)
	}()
	return nil
}

// Events returns the event stream.
func (s *Session) Events() <-chan session.Event {
	return s.events
}

// Interrupt marks the session interrupted.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
	return nil
}

// Close waits for in-flight scripts and closes the stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.turnWG.Wait()
	close(s.events)
	return nil
}

// EndStream closes the event stream without marking the session closed,
// simulating a transport-side termination.
func (s *Session) EndStream() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.events)
}

// Prompts returns a copy of all prompts sent so far.
func (s *Session) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.prompts...)
}

// Interrupted reports whether Interrupt was called.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Turn returns the 1-based index of the current prompt turn.
func (s *Session) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Provider opens scripted sessions.
type Provider struct {
	name   string
	script func(cfg session.Config) Script

	mu       sync.Mutex
	sessions []*Session
}

// NewProvider creates a provider whose sessions run scripts chosen per
// session config.
func NewProvider(name string, script func(cfg session.Config) Script) *Provider {
	return &Provider{name: name, script: script}
}

// Name implements session.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Open implements session.Provider.
func (p *Provider) Open(_ context.Context, cfg session.Config) (session.Session, error) {
	var sc Script
	if p.script != nil {
		sc = p.script(cfg)
	}
	s := NewSession(cfg, sc)
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Sessions returns the sessions opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session{}, p.sessions...)
}
