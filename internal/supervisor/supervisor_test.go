package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna/internal/agreement"
	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/market"
	"github.com/golemfactory/yagna/internal/testutil"
)

// notifierRecorder fails the first n deliveries, then records the rest.
type notifierRecorder struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (n *notifierRecorder) NotifyTerminated(_ context.Context, agreementID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return errors.New("peer unreachable")
	}
	n.calls = append(n.calls, agreementID+"|"+reason)
	return nil
}

func (n *notifierRecorder) delivered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.calls))
	copy(out, n.calls)
	return out
}

type supEnv struct {
	clock    *testutil.ManualClock
	registry *agreement.Registry
	agr      *agreement.Agreement
	sup      *Supervisor
	notifier *notifierRecorder
}

func newSupEnv(t *testing.T, failures int) *supEnv {
	t.Helper()
	e := &supEnv{
		clock:    testutil.NewManualClock(),
		notifier: &notifierRecorder{failures: failures},
	}
	e.registry = agreement.NewRegistry(
		agreement.WithIDGenerator(ids.NewSeqGenerator("agr")),
		agreement.WithActivityIDGenerator(ids.NewSeqGenerator("act")),
		agreement.WithClock(e.clock.Now),
	)
	e.sup = New(DefaultConfig, e.notifier, WithClock(e.clock.Now))
	e.registry.Observe(e.sup.OnAgreementEvent)

	var err error
	e.agr, err = e.registry.Create(market.Proposal{
		ID:     "offer-2",
		Issuer: market.IssuerProvider,
		Props:  market.Props{PricingModel: "linear"},
	}, "req-node", "prov-node")
	require.NoError(t, err)
	e.sup.Track(e.agr)

	require.NoError(t, e.agr.Confirm())
	require.NoError(t, e.agr.Approve(0))
	return e
}

func (e *supEnv) waitDelivered(t *testing.T, want string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, got := range e.notifier.delivered() {
			if got == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleAgreementBreach(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()

	e.clock.Advance(89 * time.Second)
	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()), "within the idle window")

	e.clock.Advance(2 * time.Second)
	assert.True(t, e.sup.CheckNow(ctx, e.agr.ID()))
	assert.Equal(t, agreement.StateTerminated, e.agr.State())
	assert.Equal(t, ReasonIdleAgreement, e.agr.TerminationReason())
	e.waitDelivered(t, "agr-1|"+ReasonIdleAgreement)
}

func TestIdleTimerClearsOnActivity(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()

	e.clock.Advance(60 * time.Second)
	act, err := e.agr.CreateActivity()
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()), "a live activity suspends the idle timer")

	// Destroying the last activity restarts it.
	require.NoError(t, e.agr.DestroyActivity(act.ID()))
	e.clock.Advance(89 * time.Second)
	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()))
	e.clock.Advance(2 * time.Second)
	assert.True(t, e.sup.CheckNow(ctx, e.agr.ID()))
	assert.Equal(t, ReasonIdleAgreement, e.agr.TerminationReason())
}

func TestAcceptTimeoutBreach(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()
	_, err := e.agr.CreateActivity()
	require.NoError(t, err)

	deadline := e.clock.Now().Add(10 * time.Second)
	e.sup.NoteIssued(e.agr.ID(), "note-1", deadline)

	e.clock.Advance(10 * time.Second)
	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()), "deadline not yet past")

	e.clock.Advance(time.Second)
	assert.True(t, e.sup.CheckNow(ctx, e.agr.ID()))
	assert.Equal(t, ReasonAcceptTimeout, e.agr.TerminationReason())
	e.waitDelivered(t, "agr-1|"+ReasonAcceptTimeout)
}

func TestAcceptanceDisarmsDeadline(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()
	_, err := e.agr.CreateActivity()
	require.NoError(t, err)

	e.sup.NoteIssued(e.agr.ID(), "note-1", e.clock.Now().Add(10*time.Second))
	e.sup.NoteAccepted(e.agr.ID(), "note-1")

	e.clock.Advance(time.Minute)
	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()))
	assert.NotEqual(t, agreement.StateTerminated, e.agr.State())
}

func TestUnreachableBreach(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()
	_, err := e.agr.CreateActivity()
	require.NoError(t, err)

	e.sup.DeliveryFailed(e.agr.ID(), e.clock.Now())

	e.clock.Advance(15 * time.Second)
	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()), "at the window boundary")

	e.clock.Advance(time.Second)
	assert.True(t, e.sup.CheckNow(ctx, e.agr.ID()))
	assert.Equal(t, "Requestor is unreachable more than 15s", e.agr.TerminationReason())
}

func TestDeliveryRestoredClearsUnreachable(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()
	_, err := e.agr.CreateActivity()
	require.NoError(t, err)

	e.sup.DeliveryFailed(e.agr.ID(), e.clock.Now())
	e.clock.Advance(10 * time.Second)
	e.sup.DeliveryRestored(e.agr.ID())
	e.clock.Advance(time.Minute)

	assert.False(t, e.sup.CheckNow(ctx, e.agr.ID()))
}

func TestCheckNowTerminalCases(t *testing.T) {
	e := newSupEnv(t, 0)
	ctx := context.Background()

	assert.True(t, e.sup.CheckNow(ctx, "ghost"), "untracked agreement is done")

	e.agr.Terminate("Work done")
	assert.True(t, e.sup.CheckNow(ctx, e.agr.ID()))
}

// A voluntary termination takes the same notification path as a forced
// one: the supervisor observes EventTerminated and delivers the reason.
func TestVoluntaryTerminationNotifies(t *testing.T) {
	e := newSupEnv(t, 0)

	e.agr.Terminate("Work done")
	e.waitDelivered(t, "agr-1|Work done")
}

func TestNotifyRetriesUntilDelivered(t *testing.T) {
	e := newSupEnv(t, 2)

	e.agr.Terminate("Work done")
	e.waitDelivered(t, "agr-1|Work done")
	assert.Equal(t, int64(0), e.sup.StuckTerminations())
}

func TestStuckGauge(t *testing.T) {
	e := newSupEnv(t, 3)

	e.agr.Terminate("Work done")

	// The gauge trips once delivery has been failing longer than
	// StuckAfter on the supervisor's clock.
	e.clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool {
		return e.sup.StuckTerminations() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Draining the failures lets delivery succeed and the gauge recover.
	e.notifier.mu.Lock()
	e.notifier.failures = 0
	e.notifier.mu.Unlock()
	e.waitDelivered(t, "agr-1|Work done")
	assert.Eventually(t, func() bool {
		return e.sup.StuckTerminations() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
