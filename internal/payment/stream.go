package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// errPeerDown is the transport-level failure a downed peer produces. It
// never crosses the protocol boundary: billing translates it into watchdog
// escalation.
var errPeerDown = errors.New("peer unreachable")

// errTransient simulates a recoverable event-stream fetch failure.
var errTransient = errors.New("transient fetch failure")

// Link is an in-process transport between one provider and one requestor
// billing side. It implements NoteSink for the provider and both
// EventSource and ProviderPeer for the requestor.
//
// Test and harness hooks: SetDown simulates an unreachable requestor (note
// delivery fails outright), FailFetches injects transient event-stream
// errors on the requestor side.
type Link struct {
	mu        sync.Mutex
	provider  *ProviderBilling
	events    []DebitNoteEvent
	down      bool
	failFetch int
	clock     func() time.Time
}

// NewLink creates a link delivering to the given provider billing side.
func NewLink(provider *ProviderBilling, clock func() time.Time) *Link {
	if clock == nil {
		clock = time.Now
	}
	return &Link{provider: provider, clock: clock}
}

// SetDown toggles the simulated requestor-unreachable condition.
func (l *Link) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// FailFetches makes the next n DebitNoteEvents calls fail transiently.
func (l *Link) FailFetches(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failFetch = n
}

// SendDebitNote implements NoteSink: appends a timestamped event to the
// requestor-visible stream, or fails when the peer is down.
func (l *Link) SendDebitNote(_ context.Context, note DebitNote) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return errPeerDown
	}
	l.events = append(l.events, DebitNoteEvent{Note: note, Timestamp: l.clock()})
	return nil
}

// DebitNoteEvents implements EventSource: events with timestamps at or
// after the cursor, in non-decreasing timestamp order. Same-timestamp
// redelivery is by design (at-least-once); acceptance idempotence absorbs
// duplicates.
func (l *Link) DebitNoteEvents(ctx context.Context, after time.Time) ([]DebitNoteEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFetch > 0 {
		l.failFetch--
		return nil, errTransient
	}
	var out []DebitNoteEvent
	for _, ev := range l.events {
		if !ev.Timestamp.Before(after) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AcceptDebitNote implements ProviderPeer.
func (l *Link) AcceptDebitNote(_ context.Context, noteID string, accepted Amount) error {
	return l.provider.HandleAcceptance(noteID, accepted)
}

// Invoices implements ProviderPeer: gathers the terminal invoice, if
// issued.
func (l *Link) Invoices(_ context.Context, agreementID string) ([]Invoice, error) {
	inv, ok := l.provider.Invoice()
	if !ok || inv.AgreementID != agreementID {
		return nil, nil
	}
	return []Invoice{inv}, nil
}

// Pay implements ProviderPeer: delivers a payment to the provider.
func (l *Link) Pay(_ context.Context, p Payment) error {
	return l.provider.HandlePayment(p)
}
