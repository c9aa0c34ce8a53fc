// Package supervisor enforces the cross-cutting protocol deadlines: the
// idle-agreement timeout, the debit-note accept timeout, and the
// peer-unreachable timeout. Any breach forces the agreement to Terminated
// locally; delivering the termination notification to the peer is retried
// with escalating backoff for as long as it takes, with a stuck-delivery
// gauge surfaced instead of silent spinning.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golemfactory/yagna/internal/agreement"
)

// Breach reason strings. Peers and log scrapers match on these, so they
// are stable protocol surface.
const (
	ReasonIdleAgreement = "No activity created"
	ReasonAcceptTimeout = "Requestor isn't accepting DebitNotes in time"
	reasonUnreachableF  = "Requestor is unreachable more than %s"
)

// Notifier delivers a termination notification to the peer. Returns an
// error while the peer cannot be reached.
type Notifier interface {
	NotifyTerminated(ctx context.Context, agreementID, reason string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, agreementID, reason string) error

// NotifyTerminated implements Notifier.
func (f NotifierFunc) NotifyTerminated(ctx context.Context, agreementID, reason string) error {
	return f(ctx, agreementID, reason)
}

// Config carries the watchdog deadlines.
type Config struct {
	// IdleAgreementTimeout breaks an agreement with no activity created
	// within this duration of approval (or of the last activity's
	// destruction).
	IdleAgreementTimeout time.Duration

	// UnreachableTimeout breaks an agreement whose peer has rejected
	// deliveries outright for longer than this. Distinct from the accept
	// timeout: an undelivered note cannot itself time out.
	UnreachableTimeout time.Duration

	// CheckInterval is the watch loop cadence.
	CheckInterval time.Duration

	// StuckAfter marks a termination notification as stuck once delivery
	// has been failing this long.
	StuckAfter time.Duration
}

// DefaultConfig mirrors the deadlines observed in deployed provider nodes.
var DefaultConfig = Config{
	IdleAgreementTimeout: 90 * time.Second,
	UnreachableTimeout:   15 * time.Second,
	CheckInterval:        time.Second,
	StuckAfter:           time.Minute,
}

// watchState is the per-agreement timer state.
type watchState struct {
	agr              *agreement.Agreement
	idleSince        time.Time            // zero while an activity is live
	pendingNotes     map[string]time.Time // note id -> accept deadline
	unreachableSince time.Time
}

// Supervisor watches agreements for deadline breaches. It observes
// agreement lifecycle events (register with Registry.Observe) and billing
// notifications (it implements payment.Watchdog).
type Supervisor struct {
	cfg      Config
	notifier Notifier
	clock    func() time.Time

	mu     sync.Mutex
	states map[string]*watchState

	stuck atomic.Int64
}

// Option configures supervisor parameters.
type Option func(*Supervisor)

// WithClock overrides wall-clock reads (deterministic deadlines in tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// New creates a supervisor delivering termination notifications through
// the given notifier.
func New(cfg Config, notifier Notifier, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		notifier: notifier,
		clock:    time.Now,
		states:   make(map[string]*watchState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StuckTerminations reports how many termination notifications are
// currently failing for longer than StuckAfter. A liveness gauge: the
// retry itself never gives up.
func (s *Supervisor) StuckTerminations() int64 {
	return s.stuck.Load()
}

// Watch runs the deadline checks for one agreement until it terminates or
// ctx is cancelled. Watches of different agreements are independent tasks.
func (s *Supervisor) Watch(ctx context.Context, agr *agreement.Agreement) error {
	s.Track(agr)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done := s.CheckNow(ctx, agr.ID()); done {
				return nil
			}
		}
	}
}

// CheckNow evaluates all three deadlines for an agreement once, forcing
// termination on any breach. Returns true when the agreement is terminal
// and watching can stop. Exported so the scenario harness can drive the
// watchdog synchronously.
func (s *Supervisor) CheckNow(ctx context.Context, agreementID string) (done bool) {
	s.mu.Lock()
	st, ok := s.states[agreementID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	agr := st.agr
	if agr.State() == agreement.StateTerminated {
		return true
	}

	now := s.clock()

	if reason, breached := s.checkBreach(st, agr, now); breached {
		s.ForceTerminate(ctx, agr, reason)
		return true
	}
	return false
}

// checkBreach applies the three deadline rules.
func (s *Supervisor) checkBreach(st *watchState, agr *agreement.Agreement, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unreachable peer: the note was never transmitted, so it cannot
	// itself time out; this check is independent of pending deadlines.
	if !st.unreachableSince.IsZero() && now.Sub(st.unreachableSince) > s.cfg.UnreachableTimeout {
		return fmt.Sprintf(reasonUnreachableF, s.cfg.UnreachableTimeout), true
	}

	for noteID, deadline := range st.pendingNotes {
		if !deadline.IsZero() && now.After(deadline) {
			slog.Warn("debit note accept deadline breached",
				"agreement", agr.ID(),
				"note", noteID,
				"deadline", deadline,
			)
			return ReasonAcceptTimeout, true
		}
	}

	idleCutoff := s.cfg.IdleAgreementTimeout
	if idleCutoff > 0 && !st.idleSince.IsZero() && agr.ActiveCount() == 0 && now.Sub(st.idleSince) > idleCutoff {
		return ReasonIdleAgreement, true
	}
	return "", false
}

// ForceTerminate terminates the agreement locally (idempotent, always
// succeeds) and hands the notification to the background delivery loop.
func (s *Supervisor) ForceTerminate(ctx context.Context, agr *agreement.Agreement, reason string) {
	slog.Info("breaking agreement", "agreement", agr.ID(), "reason", reason)
	agr.Terminate(reason)
	// Notification delivery starts from the EventTerminated observation,
	// so voluntary terminations take the same path.
}

// OnAgreementEvent observes lifecycle events. Register with
// Registry.Observe before creating agreements.
func (s *Supervisor) OnAgreementEvent(ev agreement.Event) {
	switch ev.Kind {
	case agreement.EventApproved:
		s.mu.Lock()
		if st, ok := s.states[ev.AgreementID]; ok {
			st.idleSince = ev.Time
		}
		s.mu.Unlock()

	case agreement.EventActivityCreated:
		s.mu.Lock()
		if st, ok := s.states[ev.AgreementID]; ok {
			st.idleSince = time.Time{}
		}
		s.mu.Unlock()

	case agreement.EventActivityDestroyed:
		s.mu.Lock()
		if st, ok := s.states[ev.AgreementID]; ok && st.agr.ActiveCount() == 0 {
			st.idleSince = ev.Time
		}
		s.mu.Unlock()

	case agreement.EventTerminated:
		s.mu.Lock()
		_, tracked := s.states[ev.AgreementID]
		delete(s.states, ev.AgreementID)
		s.mu.Unlock()
		if tracked {
			go s.notifyLoop(context.Background(), ev.AgreementID, ev.Reason)
		}
	}
}

// Track registers per-agreement timer state without starting a watch
// loop. Idempotent. Callers that drive CheckNow themselves (the scenario
// harness) use Track directly; Watch calls it on entry.
func (s *Supervisor) Track(agr *agreement.Agreement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[agr.ID()]; ok {
		return
	}
	st := &watchState{
		agr:          agr,
		pendingNotes: make(map[string]time.Time),
	}
	if at := agr.ApprovedAt(); !at.IsZero() && agr.ActiveCount() == 0 {
		st.idleSince = at
	}
	s.states[agr.ID()] = st
}

// notifyLoop delivers the termination notification with escalating
// backoff. The observed protocol retries forever; this keeps that
// liveness property but bounds the interval and surfaces a stuck gauge
// once delivery has been failing longer than StuckAfter.
func (s *Supervisor) notifyLoop(ctx context.Context, agreementID, reason string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // no giveup: documented liveness trade-off

	start := s.clock()
	stuck := false
	defer func() {
		if stuck {
			s.stuck.Add(-1)
		}
	}()

	for {
		err := s.notifier.NotifyTerminated(ctx, agreementID, reason)
		if err == nil {
			slog.Info("termination notified", "agreement", agreementID, "reason", reason)
			return
		}
		if !stuck && s.cfg.StuckAfter > 0 && s.clock().Sub(start) > s.cfg.StuckAfter {
			stuck = true
			s.stuck.Add(1)
			slog.Error("termination notification stuck",
				"agreement", agreementID,
				"failing_for", s.clock().Sub(start),
			)
		}
		wait := bo.NextBackOff()
		slog.Debug("termination notification failed, backing off",
			"agreement", agreementID,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// NoteIssued implements payment.Watchdog: arms the accept deadline.
func (s *Supervisor) NoteIssued(agreementID, noteID string, deadline time.Time) {
	if deadline.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[agreementID]; ok {
		st.pendingNotes[noteID] = deadline
	}
}

// NoteAccepted implements payment.Watchdog: disarms the accept deadline.
func (s *Supervisor) NoteAccepted(agreementID, noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[agreementID]; ok {
		delete(st.pendingNotes, noteID)
	}
}

// DeliveryFailed implements payment.Watchdog.
func (s *Supervisor) DeliveryFailed(agreementID string, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[agreementID]; ok && st.unreachableSince.IsZero() {
		st.unreachableSince = since
	}
}

// DeliveryRestored implements payment.Watchdog.
func (s *Supervisor) DeliveryRestored(agreementID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[agreementID]; ok {
		st.unreachableSince = time.Time{}
	}
}
