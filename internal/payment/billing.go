package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golemfactory/yagna/internal/agreement"
	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/market"
	"github.com/golemfactory/yagna/internal/protocol"
)

// Config carries the negotiated billing parameters of one agreement.
type Config struct {
	// DebitNoteInterval is the provider's issuance cadence
	// (golem.com.scheme.payu.debit-note.interval-sec?).
	DebitNoteInterval time.Duration

	// AcceptTimeout is how long the requestor has to accept a note
	// (golem.com.payment.debit-notes.accept-timeout?). Zero when the
	// demand did not negotiate one.
	AcceptTimeout time.Duration

	// PaymentInterval is the scheduled-payment cadence
	// (golem.com.scheme.payu.payment-timeout-sec?).
	PaymentInterval time.Duration

	// PollInterval is the requestor's event-stream poll cadence.
	PollInterval time.Duration
}

// DefaultConfig mirrors the defaults observed in deployed nodes.
var DefaultConfig = Config{
	DebitNoteInterval: 6 * time.Second,
	PaymentInterval:   5 * time.Second,
	PollInterval:      time.Second,
}

// ConfigFromProps reads negotiated billing parameters out of a converged
// proposal's property bag, falling back to defaults for keys that were not
// negotiated.
func ConfigFromProps(p market.Props, defaults Config) Config {
	cfg := defaults
	if p.DebitNoteIntervalSec != nil {
		cfg.DebitNoteInterval = time.Duration(*p.DebitNoteIntervalSec) * time.Second
	}
	if p.DebitNoteAcceptTimeout != nil {
		cfg.AcceptTimeout = time.Duration(*p.DebitNoteAcceptTimeout) * time.Second
	}
	if p.PaymentTimeoutSec != nil {
		cfg.PaymentInterval = time.Duration(*p.PaymentTimeoutSec) * time.Second
	}
	return cfg
}

// UsageMeter samples the metered execution backing debit notes.
// Sample returns the cumulative usage vector and cumulative amount due.
type UsageMeter interface {
	Sample() (UsageVector, Amount)
}

// Watchdog receives billing protocol deadlines and delivery failures.
// Implemented by the timeout supervisor; NopWatchdog for tests.
type Watchdog interface {
	// NoteIssued arms the accept-deadline for a delivered note.
	NoteIssued(agreementID, noteID string, deadline time.Time)

	// NoteAccepted disarms the accept-deadline.
	NoteAccepted(agreementID, noteID string)

	// DeliveryFailed reports that the peer has been unreachable since the
	// given instant.
	DeliveryFailed(agreementID string, since time.Time)

	// DeliveryRestored reports a successful delivery after failures.
	DeliveryRestored(agreementID string)
}

// NopWatchdog ignores all notifications.
type NopWatchdog struct{}

func (NopWatchdog) NoteIssued(string, string, time.Time) {}
func (NopWatchdog) NoteAccepted(string, string)          {}
func (NopWatchdog) DeliveryFailed(string, time.Time)     {}
func (NopWatchdog) DeliveryRestored(string)              {}

// NoteSink is the transport delivering debit notes to the requestor.
// A delivery error means the peer could not be reached at all.
type NoteSink interface {
	SendDebitNote(ctx context.Context, note DebitNote) error
}

// ProviderBilling runs the provider-side billing duties of one agreement:
// periodic debit note issuance while an activity runs, acceptance
// bookkeeping, payment intake, and the terminal invoice.
type ProviderBilling struct {
	agr   *agreement.Agreement
	meter UsageMeter
	sink  NoteSink
	dog   Watchdog
	cfg   Config

	idGen ids.Generator
	clock func() time.Time

	mu               sync.Mutex
	notes            map[string]*DebitNote
	order            []string
	lastDue          map[string]Amount // cumulative due per activity at last issue
	acceptedDue      map[string]Amount // cumulative accepted due per activity
	acceptedTotal    Amount            // sum of acceptance deltas (reconciliation observer)
	receivedTotal    Amount            // sum of payments received
	payments         []Payment
	invoice          *Invoice
	unreachableSince time.Time
}

// ProviderOption configures provider-side billing.
type ProviderOption func(*ProviderBilling)

// WithProviderClock overrides wall-clock reads.
func WithProviderClock(clock func() time.Time) ProviderOption {
	return func(b *ProviderBilling) { b.clock = clock }
}

// WithProviderIDGenerator overrides id generation.
func WithProviderIDGenerator(g ids.Generator) ProviderOption {
	return func(b *ProviderBilling) { b.idGen = g }
}

// NewProviderBilling wires provider-side billing for one agreement.
func NewProviderBilling(agr *agreement.Agreement, meter UsageMeter, sink NoteSink, dog Watchdog, cfg Config, opts ...ProviderOption) *ProviderBilling {
	b := &ProviderBilling{
		agr:         agr,
		meter:       meter,
		sink:        sink,
		dog:         dog,
		cfg:         cfg,
		idGen:       ids.UUIDv7Generator{},
		clock:       time.Now,
		notes:       make(map[string]*DebitNote),
		lastDue:     make(map[string]Amount),
		acceptedDue: make(map[string]Amount),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetSink replaces the note delivery sink. In-process transports
// reference the billing side they deliver to, so the sink is wired after
// construction. Must be called before issuance starts.
func (b *ProviderBilling) SetSink(sink NoteSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Run issues debit notes at the negotiated interval while an activity is
// running. Returns when ctx is cancelled or the agreement terminates.
func (b *ProviderBilling) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.DebitNoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.agr.State() == agreement.StateTerminated {
				return nil
			}
			if err := b.IssueNow(ctx); err != nil {
				slog.Error("debit note issuance failed", "agreement", b.agr.ID(), "error", err)
			}
		}
	}
}

// IssueNow issues one debit note for the agreement's running activity, if
// any. Exported so the scenario harness can drive issuance synchronously.
func (b *ProviderBilling) IssueNow(ctx context.Context) error {
	activityID, ok := b.runningActivity()
	if !ok {
		return nil
	}

	usage, due := b.meter.Sample()
	if due.Negative() {
		return protocol.Errorf(protocol.CodeValidation, "meter reported negative due %s", due)
	}
	// Custom counters must be strictly positive once execution progressed.
	if !due.IsZero() && !usage.Progressed() {
		return protocol.Errorf(protocol.CodeValidation, "usage vector shows no progress for due %s", due)
	}

	b.mu.Lock()
	if prev, ok := b.lastDue[activityID]; ok && due.Cmp(prev) < 0 {
		b.mu.Unlock()
		return protocol.Errorf(protocol.CodeValidation,
			"amount due regressed from %s to %s for activity %s", prev, due, activityID)
	}
	now := b.clock()
	note := &DebitNote{
		ID:             b.idGen.Generate(),
		AgreementID:    b.agr.ID(),
		ActivityID:     activityID,
		TotalAmountDue: due,
		Usage:          usage.Clone(),
		Status:         NoteIssued,
		IssuedAt:       now,
	}
	if b.cfg.AcceptTimeout > 0 {
		note.Deadline = now.Add(b.cfg.AcceptTimeout)
	}
	b.mu.Unlock()

	if err := b.sink.SendDebitNote(ctx, *note); err != nil {
		b.mu.Lock()
		if b.unreachableSince.IsZero() {
			b.unreachableSince = now
		}
		since := b.unreachableSince
		b.mu.Unlock()

		slog.Warn("debit note delivery failed",
			"agreement", b.agr.ID(),
			"note", note.ID,
			"since", since,
			"error", err,
		)
		b.dog.DeliveryFailed(b.agr.ID(), since)
		return nil
	}

	b.mu.Lock()
	if !b.unreachableSince.IsZero() {
		b.unreachableSince = time.Time{}
		b.mu.Unlock()
		b.dog.DeliveryRestored(b.agr.ID())
		b.mu.Lock()
	}
	b.notes[note.ID] = note
	b.order = append(b.order, note.ID)
	b.lastDue[activityID] = due
	b.mu.Unlock()

	slog.Info("debit note sent",
		"agreement", b.agr.ID(),
		"activity", activityID,
		"note", note.ID,
		"total_due", due.String(),
	)
	b.dog.NoteIssued(b.agr.ID(), note.ID, note.Deadline)
	return nil
}

// HandleAcceptance records the requestor's acceptance of a note.
//
// Idempotent per note id: accepting twice is a no-op. Requires
// accepted == total_amount_due; partial acceptance is not supported.
func (b *ProviderBilling) HandleAcceptance(noteID string, accepted Amount) error {
	b.mu.Lock()
	note, ok := b.notes[noteID]
	if !ok {
		b.mu.Unlock()
		return &protocol.Error{
			Code:        protocol.CodeNotFound,
			Message:     "unknown debit note",
			AgreementID: b.agr.ID(),
			EntityID:    noteID,
		}
	}
	if note.Status == NoteAccepted {
		b.mu.Unlock()
		return nil
	}
	if accepted.Cmp(note.TotalAmountDue) != 0 {
		b.mu.Unlock()
		return &protocol.Error{
			Code:        protocol.CodeValidation,
			Message:     "partial acceptance not supported: got " + accepted.String() + ", due " + note.TotalAmountDue.String(),
			AgreementID: b.agr.ID(),
			EntityID:    noteID,
		}
	}

	note.Status = NoteAccepted
	prev := b.acceptedDue[note.ActivityID]
	if note.TotalAmountDue.Cmp(prev) > 0 {
		delta := note.TotalAmountDue.Sub(prev)
		b.acceptedDue[note.ActivityID] = note.TotalAmountDue
		b.acceptedTotal = b.acceptedTotal.Add(delta)
	}
	b.mu.Unlock()

	slog.Info("debit note accepted", "agreement", b.agr.ID(), "note", noteID, "amount", accepted.String())
	b.dog.NoteAccepted(b.agr.ID(), noteID)
	return nil
}

// HandlePayment records a received payment (mid-agreement batch or the
// settling payment). When the settling payment covers the invoice, the
// invoice reaches Settled.
func (b *ProviderBilling) HandlePayment(p Payment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.receivedTotal = b.receivedTotal.Add(p.Amount)
	b.payments = append(b.payments, p)

	if p.InvoiceID != "" {
		if b.invoice == nil || b.invoice.ID != p.InvoiceID {
			return &protocol.Error{
				Code:        protocol.CodeNotFound,
				Message:     "payment references unknown invoice",
				AgreementID: b.agr.ID(),
				EntityID:    p.InvoiceID,
			}
		}
		b.invoice.Status = InvoiceSettled
		slog.Info("invoice settled",
			"agreement", b.agr.ID(),
			"invoice", b.invoice.ID,
			"amount", b.invoice.Amount.String(),
		)
	}
	return nil
}

// IssueInvoice issues the terminal invoice. Guards: the agreement must be
// Terminated, and exactly one invoice exists per agreement; a second call
// is a Conflict. The amount covers every debit note not yet paid; zero
// when no activity ever ran.
func (b *ProviderBilling) IssueInvoice() (Invoice, error) {
	if b.agr.State() != agreement.StateTerminated {
		return Invoice{}, &protocol.Error{
			Code:        protocol.CodeConflict,
			Message:     "invoice before termination",
			AgreementID: b.agr.ID(),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invoice != nil {
		return Invoice{}, &protocol.Error{
			Code:        protocol.CodeConflict,
			Message:     "invoice already issued",
			AgreementID: b.agr.ID(),
			EntityID:    b.invoice.ID,
		}
	}

	total := AmountZero
	for _, due := range b.lastDue {
		total = total.Add(due)
	}
	b.invoice = &Invoice{
		ID:          b.idGen.Generate(),
		AgreementID: b.agr.ID(),
		Amount:      total.Sub(b.receivedTotal),
		Status:      InvoiceIssued,
		IssuedAt:    b.clock(),
	}
	slog.Info("invoice issued",
		"agreement", b.agr.ID(),
		"invoice", b.invoice.ID,
		"amount", b.invoice.Amount.String(),
	)
	return *b.invoice, nil
}

// Invoice returns the issued invoice, if any.
func (b *ProviderBilling) Invoice() (Invoice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.invoice == nil {
		return Invoice{}, false
	}
	return *b.invoice, true
}

// AcceptedTotal is the provider's acceptance-observer sum: the amounts
// recorded across all accepted notes. Reconciles against the requestor's
// payment stream.
func (b *ProviderBilling) AcceptedTotal() Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acceptedTotal
}

// ReceivedTotal is the sum of payments received.
func (b *ProviderBilling) ReceivedTotal() Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivedTotal
}

// Payments returns received payments in arrival order.
func (b *ProviderBilling) Payments() []Payment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Payment, len(b.payments))
	copy(out, b.payments)
	return out
}

// Notes returns issued notes in issuance order.
func (b *ProviderBilling) Notes() []DebitNote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DebitNote, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.notes[id])
	}
	return out
}

func (b *ProviderBilling) runningActivity() (string, bool) {
	ids := b.agr.LiveActivityIDs()
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}
