package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golemfactory/yagna/internal/payment"
	"github.com/golemfactory/yagna/internal/protocol"
)

// ReadAgreement returns the persisted agreement record.
// A missing row is a protocol NOT_FOUND error.
func (s *Store) ReadAgreement(ctx context.Context, id string) (AgreementRecord, error) {
	var (
		rec        AgreementRecord
		multi      int
		createdAt  string
		approvedAt sql.NullString
		reason     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, requestor, provider, state, multi_activity, created_at, approved_at, termination_reason
		FROM agreements
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Requestor, &rec.Provider, &rec.State, &multi, &createdAt, &approvedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return AgreementRecord{}, protocol.Errorf(protocol.CodeNotFound, "agreement %s not stored", id)
	}
	if err != nil {
		return AgreementRecord{}, fmt.Errorf("read agreement: %w", err)
	}

	rec.MultiActivity = multi != 0
	if rec.CreatedAt, err = unmarshalTime(createdAt); err != nil {
		return AgreementRecord{}, fmt.Errorf("read agreement: %w", err)
	}
	if approvedAt.Valid {
		if rec.ApprovedAt, err = unmarshalTime(approvedAt.String); err != nil {
			return AgreementRecord{}, fmt.Errorf("read agreement: %w", err)
		}
	}
	rec.TerminationReason = reason.String
	return rec, nil
}

// ReadActivities returns the activities of an agreement in creation order.
// Returns an empty slice (not nil) when none exist.
func (s *Store) ReadActivities(ctx context.Context, agreementID string) ([]ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agreement_id, state, seq
		FROM activities
		WHERE agreement_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	recs := []ActivityRecord{}
	for rows.Next() {
		var rec ActivityRecord
		if err := rows.Scan(&rec.ID, &rec.AgreementID, &rec.State, &rec.Seq); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return recs, nil
}

// ReadDebitNotes returns the debit notes of an agreement ordered by issue
// time, ties broken by id for a deterministic trace.
func (s *Store) ReadDebitNotes(ctx context.Context, agreementID string) ([]payment.DebitNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agreement_id, activity_id, total_due, usage, status, issued_at, deadline
		FROM debit_notes
		WHERE agreement_id = ?
		ORDER BY issued_at ASC, id COLLATE BINARY ASC
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("query debit notes: %w", err)
	}
	defer rows.Close()

	notes := []payment.DebitNote{}
	for rows.Next() {
		note, err := scanDebitNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debit notes: %w", err)
	}
	return notes, nil
}

func scanDebitNote(rows *sql.Rows) (payment.DebitNote, error) {
	var (
		note     payment.DebitNote
		due      string
		usage    string
		status   string
		issuedAt string
		deadline string
	)
	if err := rows.Scan(&note.ID, &note.AgreementID, &note.ActivityID, &due, &usage, &status, &issuedAt, &deadline); err != nil {
		return payment.DebitNote{}, fmt.Errorf("scan debit note: %w", err)
	}

	var err error
	if note.TotalAmountDue, err = payment.ParseAmount(due); err != nil {
		return payment.DebitNote{}, fmt.Errorf("scan debit note: %w", err)
	}
	if note.Usage, err = unmarshalUsage(usage); err != nil {
		return payment.DebitNote{}, fmt.Errorf("scan debit note: %w", err)
	}
	note.Status = payment.NoteStatus(status)
	if note.IssuedAt, err = unmarshalTime(issuedAt); err != nil {
		return payment.DebitNote{}, fmt.Errorf("scan debit note: %w", err)
	}
	if note.Deadline, err = unmarshalTime(deadline); err != nil {
		return payment.DebitNote{}, fmt.Errorf("scan debit note: %w", err)
	}
	return note, nil
}

// ReadInvoice returns the agreement's invoice if one was issued.
// A missing invoice is a protocol NOT_FOUND error: callers distinguish
// "not invoiced yet" from read failures with protocol.IsNotFound.
func (s *Store) ReadInvoice(ctx context.Context, agreementID string) (payment.Invoice, error) {
	var (
		inv      payment.Invoice
		amount   string
		status   string
		issuedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agreement_id, amount, status, issued_at
		FROM invoices
		WHERE agreement_id = ?
	`, agreementID).Scan(&inv.ID, &inv.AgreementID, &amount, &status, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Invoice{}, protocol.Errorf(protocol.CodeNotFound, "no invoice for agreement %s", agreementID)
	}
	if err != nil {
		return payment.Invoice{}, fmt.Errorf("read invoice: %w", err)
	}

	if inv.Amount, err = payment.ParseAmount(amount); err != nil {
		return payment.Invoice{}, fmt.Errorf("read invoice: %w", err)
	}
	inv.Status = payment.InvoiceStatus(status)
	if inv.IssuedAt, err = unmarshalTime(issuedAt); err != nil {
		return payment.Invoice{}, fmt.Errorf("read invoice: %w", err)
	}
	return inv, nil
}

// ReadPayments returns the payments of an agreement ordered by timestamp,
// ties broken by id.
func (s *Store) ReadPayments(ctx context.Context, agreementID string) ([]payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agreement_id, amount, note_ids, invoice_id, ts
		FROM payments
		WHERE agreement_id = ?
		ORDER BY ts ASC, id COLLATE BINARY ASC
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	payments := []payment.Payment{}
	for rows.Next() {
		var (
			p         payment.Payment
			amount    string
			noteIDs   string
			invoiceID sql.NullString
			ts        string
		)
		if err := rows.Scan(&p.ID, &p.AgreementID, &amount, &noteIDs, &invoiceID, &ts); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.Amount, err = payment.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.NoteIDs, err = unmarshalNoteIDs(noteIDs); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.InvoiceID = invoiceID.String
		if p.Timestamp, err = unmarshalTime(ts); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// Trace is the full persisted settlement history of one agreement.
type Trace struct {
	Agreement  AgreementRecord
	Activities []ActivityRecord
	DebitNotes []payment.DebitNote
	Invoice    *payment.Invoice
	Payments   []payment.Payment
}

// ReadTrace assembles the complete settlement trace for an agreement.
// The invoice is nil when the agreement was never invoiced.
func (s *Store) ReadTrace(ctx context.Context, agreementID string) (Trace, error) {
	var t Trace
	var err error

	if t.Agreement, err = s.ReadAgreement(ctx, agreementID); err != nil {
		return Trace{}, err
	}
	if t.Activities, err = s.ReadActivities(ctx, agreementID); err != nil {
		return Trace{}, err
	}
	if t.DebitNotes, err = s.ReadDebitNotes(ctx, agreementID); err != nil {
		return Trace{}, err
	}

	inv, err := s.ReadInvoice(ctx, agreementID)
	switch {
	case err == nil:
		t.Invoice = &inv
	case protocol.IsNotFound(err):
		// never invoiced
	default:
		return Trace{}, err
	}

	if t.Payments, err = s.ReadPayments(ctx, agreementID); err != nil {
		return Trace{}, err
	}
	return t, nil
}
