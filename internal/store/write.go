package store

import (
	"context"
	"fmt"
	"time"

	"github.com/golemfactory/yagna/internal/payment"
)

// AgreementRecord is the persisted view of an agreement. State is the only
// column that moves after insert, and only forward; the upsert overwrites
// it together with the timestamps that accompany each transition.
type AgreementRecord struct {
	ID                string
	Requestor         string
	Provider          string
	State             string
	MultiActivity     bool
	CreatedAt         time.Time
	ApprovedAt        time.Time
	TerminationReason string
}

// ActivityRecord is the persisted view of an activity. Seq preserves
// creation order within the agreement.
type ActivityRecord struct {
	ID          string
	AgreementID string
	State       string
	Seq         int64
}

// WriteAgreement upserts an agreement record.
// Uses ON CONFLICT(id) DO UPDATE so repeated writes after each state
// transition are idempotent: re-writing the same snapshot is a no-op.
func (s *Store) WriteAgreement(ctx context.Context, rec AgreementRecord) error {
	var approvedAt any
	if !rec.ApprovedAt.IsZero() {
		approvedAt = marshalTime(rec.ApprovedAt)
	}
	var reason any
	if rec.TerminationReason != "" {
		reason = rec.TerminationReason
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agreements
		(id, requestor, provider, state, multi_activity, created_at, approved_at, termination_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			approved_at = excluded.approved_at,
			termination_reason = excluded.termination_reason
	`,
		rec.ID,
		rec.Requestor,
		rec.Provider,
		rec.State,
		boolToInt(rec.MultiActivity),
		marshalTime(rec.CreatedAt),
		approvedAt,
		reason,
	)
	if err != nil {
		return fmt.Errorf("write agreement: %w", err)
	}
	return nil
}

// WriteActivity upserts an activity record. Only the state column moves
// after insert.
func (s *Store) WriteActivity(ctx context.Context, rec ActivityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities
		(id, agreement_id, state, seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state
	`,
		rec.ID,
		rec.AgreementID,
		rec.State,
		rec.Seq,
	)
	if err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	return nil
}

// WriteDebitNote upserts a debit note. The note body is immutable; only
// the status column is overwritten on conflict, so re-delivered notes and
// acceptance status changes take the same code path.
func (s *Store) WriteDebitNote(ctx context.Context, note payment.DebitNote) error {
	usage, err := marshalUsage(note.Usage)
	if err != nil {
		return fmt.Errorf("write debit note: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO debit_notes
		(id, agreement_id, activity_id, total_due, usage, status, issued_at, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`,
		note.ID,
		note.AgreementID,
		note.ActivityID,
		note.TotalAmountDue.String(),
		usage,
		string(note.Status),
		marshalTime(note.IssuedAt),
		marshalTime(note.Deadline),
	)
	if err != nil {
		return fmt.Errorf("write debit note: %w", err)
	}
	return nil
}

// WriteInvoice upserts an invoice. The UNIQUE constraint on agreement_id
// rejects a second invoice with a different id for the same agreement,
// which surfaces double-invoicing bugs as write errors instead of silent
// duplicate rows.
func (s *Store) WriteInvoice(ctx context.Context, inv payment.Invoice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices
		(id, agreement_id, amount, status, issued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`,
		inv.ID,
		inv.AgreementID,
		inv.Amount.String(),
		string(inv.Status),
		marshalTime(inv.IssuedAt),
	)
	if err != nil {
		return fmt.Errorf("write invoice: %w", err)
	}
	return nil
}

// WritePayment inserts a payment record.
// Payments are immutable facts: ON CONFLICT(id) DO NOTHING makes
// re-delivery idempotent.
func (s *Store) WritePayment(ctx context.Context, p payment.Payment) error {
	noteIDs, err := marshalNoteIDs(p.NoteIDs)
	if err != nil {
		return fmt.Errorf("write payment: %w", err)
	}

	var invoiceID any
	if p.InvoiceID != "" {
		invoiceID = p.InvoiceID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments
		(id, agreement_id, amount, note_ids, invoice_id, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		p.ID,
		p.AgreementID,
		p.Amount.String(),
		noteIDs,
		invoiceID,
		marshalTime(p.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("write payment: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
