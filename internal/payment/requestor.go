package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/protocol"
)

// EventSource is the requestor's view of the debit note event stream.
//
// Events are delivered at-least-once, ordered by non-decreasing timestamp;
// the caller resumes from the last seen timestamp. Transient fetch errors
// are retried by the consumer with backoff.
type EventSource interface {
	DebitNoteEvents(ctx context.Context, after time.Time) ([]DebitNoteEvent, error)
}

// ProviderPeer is the provider-side API surface the requestor calls:
// note acceptance, invoice gathering, and payment delivery.
type ProviderPeer interface {
	AcceptDebitNote(ctx context.Context, noteID string, accepted Amount) error
	Invoices(ctx context.Context, agreementID string) ([]Invoice, error)
	Pay(ctx context.Context, p Payment) error
}

// RequestorBilling runs the requestor-side billing duties of one
// agreement: consuming the debit note stream, accepting notes against a
// funded allocation, executing scheduled batched payments, and settling
// the terminal invoice.
type RequestorBilling struct {
	agreementID  string
	ledger       *Ledger
	allocationID string
	source       EventSource
	peer         ProviderPeer
	cfg          Config

	idGen ids.Generator
	clock func() time.Time

	mu          sync.Mutex
	cursor      time.Time
	accepted    map[string]Amount // note id -> accepted delta (idempotence)
	acceptedDue map[string]Amount // activity id -> cumulative accepted due
	unpaid      []string          // accepted note ids awaiting a payment tick
	unpaidSum   Amount
	paidTotal   Amount
	payments    []Payment
	settled     bool
}

// RequestorOption configures requestor-side billing.
type RequestorOption func(*RequestorBilling)

// WithRequestorClock overrides wall-clock reads.
func WithRequestorClock(clock func() time.Time) RequestorOption {
	return func(b *RequestorBilling) { b.clock = clock }
}

// WithRequestorIDGenerator overrides id generation.
func WithRequestorIDGenerator(g ids.Generator) RequestorOption {
	return func(b *RequestorBilling) { b.idGen = g }
}

// NewRequestorBilling wires requestor-side billing for one agreement. The
// allocation must already be reserved in the ledger.
func NewRequestorBilling(agreementID string, ledger *Ledger, allocationID string, source EventSource, peer ProviderPeer, cfg Config, opts ...RequestorOption) *RequestorBilling {
	b := &RequestorBilling{
		agreementID:  agreementID,
		ledger:       ledger,
		allocationID: allocationID,
		source:       source,
		peer:         peer,
		cfg:          cfg,
		idGen:        ids.UUIDv7Generator{},
		clock:        time.Now,
		accepted:     make(map[string]Amount),
		acceptedDue:  make(map[string]Amount),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run drives both requestor duties concurrently: the acceptance loop and
// the scheduled-payment loop. Duties of different agreements never block
// each other; cancellation is cooperative (checked at every poll point).
func (b *RequestorBilling) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.acceptLoop(ctx) })
	g.Go(func() error { return b.payLoop(ctx) })
	return g.Wait()
}

// acceptLoop consumes the debit note stream. Transient fetch failures are
// logged and retried with exponential backoff; the cursor only advances
// past processed events, so no event is dropped silently.
func (b *RequestorBilling) acceptLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = b.cfg.PollInterval
	bo.MaxElapsedTime = 0 // never give up on transient errors

	for {
		b.mu.Lock()
		cursor := b.cursor
		b.mu.Unlock()

		events, err := b.source.DebitNoteEvents(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			slog.Warn("debit note event fetch failed, backing off",
				"agreement", b.agreementID,
				"backoff", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for _, ev := range events {
			if err := b.ProcessEvent(ctx, ev); err != nil {
				slog.Error("debit note processing failed",
					"agreement", b.agreementID,
					"note", ev.Note.ID,
					"error", err,
				)
			}
			b.mu.Lock()
			if ev.Timestamp.After(b.cursor) {
				b.cursor = ev.Timestamp
			}
			b.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

// ProcessEvent accepts one debit note event. Exported so the scenario
// harness can drive acceptance synchronously.
//
// Acceptance is idempotent per note id: an at-least-once stream may
// redeliver, and the second delivery is a no-op. A note already past its
// deadline is not accepted and not retried; escalation is the provider
// watchdog's job.
func (b *RequestorBilling) ProcessEvent(ctx context.Context, ev DebitNoteEvent) error {
	note := ev.Note

	b.mu.Lock()
	if _, done := b.accepted[note.ID]; done {
		b.mu.Unlock()
		return nil
	}
	prev := b.acceptedDue[note.ActivityID]
	b.mu.Unlock()

	if !note.Deadline.IsZero() && b.clock().After(note.Deadline) {
		slog.Warn("debit note past accept deadline, not accepting",
			"agreement", b.agreementID,
			"note", note.ID,
			"deadline", note.Deadline,
		)
		return nil
	}
	if note.TotalAmountDue.Cmp(prev) < 0 {
		return protocol.Errorf(protocol.CodeValidation,
			"amount due regressed from %s to %s on note %s", prev, note.TotalAmountDue, note.ID)
	}

	// Acceptance requires a funded allocation: the delta between this
	// note's cumulative due and what was already accepted for the
	// activity is spent atomically before the acceptance is delivered.
	delta := note.TotalAmountDue.Sub(prev)
	if _, err := b.ledger.Spend(b.allocationID, delta); err != nil {
		return err
	}
	if err := b.peer.AcceptDebitNote(ctx, note.ID, note.TotalAmountDue); err != nil {
		b.ledger.refund(b.allocationID, delta)
		return err
	}

	b.mu.Lock()
	b.accepted[note.ID] = delta
	b.acceptedDue[note.ActivityID] = note.TotalAmountDue
	b.unpaid = append(b.unpaid, note.ID)
	b.unpaidSum = b.unpaidSum.Add(delta)
	b.mu.Unlock()

	slog.Info("debit note accepted",
		"agreement", b.agreementID,
		"note", note.ID,
		"delta", delta.String(),
	)
	return nil
}

// payLoop executes scheduled payments at the negotiated interval.
func (b *RequestorBilling) payLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.PaymentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.PayNow(ctx); err != nil {
				slog.Error("scheduled payment failed", "agreement", b.agreementID, "error", err)
			}
		}
	}
}

// PayNow batches every accepted-unpaid note into one payment. A no-op
// when nothing is pending. On delivery failure the batch stays pending for
// the next tick. Exported for the scenario harness.
func (b *RequestorBilling) PayNow(ctx context.Context) error {
	b.mu.Lock()
	if len(b.unpaid) == 0 {
		b.mu.Unlock()
		return nil
	}
	noteIDs := make([]string, len(b.unpaid))
	copy(noteIDs, b.unpaid)
	amount := b.unpaidSum
	b.mu.Unlock()

	p := Payment{
		ID:          b.idGen.Generate(),
		AgreementID: b.agreementID,
		Amount:      amount,
		NoteIDs:     noteIDs,
		Timestamp:   b.clock(),
	}
	if err := b.peer.Pay(ctx, p); err != nil {
		return err
	}

	b.mu.Lock()
	b.unpaid = b.unpaid[len(noteIDs):]
	b.unpaidSum = b.unpaidSum.Sub(amount)
	b.paidTotal = b.paidTotal.Add(amount)
	b.payments = append(b.payments, p)
	b.mu.Unlock()

	slog.Info("payment executed",
		"agreement", b.agreementID,
		"payment", p.ID,
		"amount", amount.String(),
		"notes", len(noteIDs),
	)
	return nil
}

// SettleInvoice gathers the terminal invoice and pays it off. Any portion
// of the invoice not yet covered by accepted notes is spent from the
// allocation first; then a settling payment (zero-amount included) is
// delivered. Idempotent: a settled agreement is a no-op.
func (b *RequestorBilling) SettleInvoice(ctx context.Context) error {
	b.mu.Lock()
	if b.settled {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	invoices, err := b.peer.Invoices(ctx, b.agreementID)
	if err != nil {
		return err
	}
	for _, inv := range invoices {
		if inv.Status != InvoiceIssued {
			continue
		}

		// Everything pending (accepted-unpaid) plus anything never
		// accepted adds up to the invoice amount; only the unaccepted
		// remainder still needs covering from the allocation.
		b.mu.Lock()
		pending := b.unpaidSum
		pendingIDs := make([]string, len(b.unpaid))
		copy(pendingIDs, b.unpaid)
		b.mu.Unlock()

		uncovered := inv.Amount.Sub(pending)
		if uncovered.Negative() {
			return protocol.Errorf(protocol.CodeValidation,
				"invoice %s amount %s below pending notes %s", inv.ID, inv.Amount, pending)
		}
		if !uncovered.IsZero() {
			if _, err := b.ledger.Spend(b.allocationID, uncovered); err != nil {
				return err
			}
		}

		p := Payment{
			ID:          b.idGen.Generate(),
			AgreementID: b.agreementID,
			Amount:      inv.Amount,
			NoteIDs:     pendingIDs,
			InvoiceID:   inv.ID,
			Timestamp:   b.clock(),
		}
		if err := b.peer.Pay(ctx, p); err != nil {
			if !uncovered.IsZero() {
				b.ledger.refund(b.allocationID, uncovered)
			}
			return err
		}

		b.mu.Lock()
		b.unpaid = nil
		b.unpaidSum = AmountZero
		b.paidTotal = b.paidTotal.Add(inv.Amount)
		b.payments = append(b.payments, p)
		b.settled = true
		b.mu.Unlock()

		slog.Info("invoice paid",
			"agreement", b.agreementID,
			"invoice", inv.ID,
			"amount", inv.Amount.String(),
		)
	}
	return nil
}

// Payments returns executed payments in order.
func (b *RequestorBilling) Payments() []Payment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Payment, len(b.payments))
	copy(out, b.payments)
	return out
}

// PaidTotal is the sum the payment stream reports as delivered for this
// agreement. Reconciles against the provider's acceptance observer.
func (b *RequestorBilling) PaidTotal() Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paidTotal
}
