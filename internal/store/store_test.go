package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna/internal/payment"
	"github.com/golemfactory/yagna/internal/protocol"
	"github.com/golemfactory/yagna/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedAgreement satisfies the foreign keys of the fact tables.
func seedAgreement(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.WriteAgreement(context.Background(), AgreementRecord{
		ID: id, Requestor: "req-1", Provider: "prov-1",
		State: "Approved", CreatedAt: testutil.Epoch,
	}))
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := openTestStore(t)

	// In-memory databases report "memory" journaling; the remaining
	// pragmas must hold regardless of backing.
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestOpenFileBackedUsesWAL(t *testing.T) {
	path := t.TempDir() + "/trace.db"
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/trace.db"

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.WriteAgreement(context.Background(), AgreementRecord{
		ID: "agr-1", Requestor: "req-1", Provider: "prov-1",
		State: "Pending", CreatedAt: testutil.Epoch,
	}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.ReadAgreement(context.Background(), "agr-1")
	require.NoError(t, err)
	assert.Equal(t, "Pending", rec.State)

	var version int
	require.NoError(t, s2.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestWriteAgreementUpsertConverges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := AgreementRecord{
		ID:            "agr-1",
		Requestor:     "req-1",
		Provider:      "prov-1",
		State:         "Pending",
		MultiActivity: true,
		CreatedAt:     testutil.Epoch,
	}
	require.NoError(t, s.WriteAgreement(ctx, rec))

	// Re-write the snapshot after each transition; the row follows.
	rec.State = "Approved"
	rec.ApprovedAt = testutil.Epoch.Add(5 * time.Second)
	require.NoError(t, s.WriteAgreement(ctx, rec))

	rec.State = "Terminated"
	rec.TerminationReason = "Work done"
	require.NoError(t, s.WriteAgreement(ctx, rec))
	require.NoError(t, s.WriteAgreement(ctx, rec)) // same snapshot twice

	got, err := s.ReadAgreement(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, "Terminated", got.State)
	assert.Equal(t, "Work done", got.TerminationReason)
	assert.True(t, got.MultiActivity)
	assert.True(t, got.CreatedAt.Equal(testutil.Epoch))
	assert.True(t, got.ApprovedAt.Equal(testutil.Epoch.Add(5*time.Second)))

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM agreements").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestReadAgreementZeroApprovedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteAgreement(ctx, AgreementRecord{
		ID: "agr-1", Requestor: "req-1", Provider: "prov-1",
		State: "Pending", CreatedAt: testutil.Epoch,
	}))

	got, err := s.ReadAgreement(ctx, "agr-1")
	require.NoError(t, err)
	assert.True(t, got.ApprovedAt.IsZero())
	assert.Empty(t, got.TerminationReason)
	assert.False(t, got.MultiActivity)
}

func TestReadAgreementNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReadAgreement(context.Background(), "agr-ghost")
	require.Error(t, err)
	assert.True(t, protocol.IsNotFound(err))
}

func TestReadActivitiesOrderedBySeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteAgreement(ctx, AgreementRecord{
		ID: "agr-1", Requestor: "req-1", Provider: "prov-1",
		State: "Approved", CreatedAt: testutil.Epoch,
	}))

	// Insert out of order; reads come back by seq.
	require.NoError(t, s.WriteActivity(ctx, ActivityRecord{ID: "act-2", AgreementID: "agr-1", State: "Running", Seq: 2}))
	require.NoError(t, s.WriteActivity(ctx, ActivityRecord{ID: "act-1", AgreementID: "agr-1", State: "Destroyed", Seq: 1}))

	// State upsert on re-write.
	require.NoError(t, s.WriteActivity(ctx, ActivityRecord{ID: "act-2", AgreementID: "agr-1", State: "Destroyed", Seq: 2}))

	recs, err := s.ReadActivities(ctx, "agr-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "act-1", recs[0].ID)
	assert.Equal(t, "act-2", recs[1].ID)
	assert.Equal(t, "Destroyed", recs[1].State)
}

func TestReadActivitiesEmpty(t *testing.T) {
	s := openTestStore(t)

	recs, err := s.ReadActivities(context.Background(), "agr-none")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestWriteDebitNoteRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgreement(t, s, "agr-1")

	note := payment.DebitNote{
		ID:             "note-1",
		AgreementID:    "agr-1",
		ActivityID:     "act-1",
		TotalAmountDue: payment.MustAmount("0.5"),
		Usage:          payment.UsageVector{"golem.usage.duration_sec": 2},
		Status:         payment.NoteIssued,
		IssuedAt:       testutil.Epoch.Add(2 * time.Second),
		Deadline:       testutil.Epoch.Add(12 * time.Second),
	}
	require.NoError(t, s.WriteDebitNote(ctx, note))

	// Acceptance re-writes the note with a new status; the body stays.
	note.Status = payment.NoteAccepted
	require.NoError(t, s.WriteDebitNote(ctx, note))

	notes, err := s.ReadDebitNotes(ctx, "agr-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	got := notes[0]
	assert.Equal(t, "note-1", got.ID)
	assert.Equal(t, payment.NoteAccepted, got.Status)
	assert.Equal(t, "0.5", got.TotalAmountDue.String())
	assert.Equal(t, int64(2), got.Usage["golem.usage.duration_sec"])
	assert.True(t, got.IssuedAt.Equal(note.IssuedAt))
	assert.True(t, got.Deadline.Equal(note.Deadline))
}

func TestReadDebitNotesOrderedByIssue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgreement(t, s, "agr-1")

	for i, id := range []string{"note-3", "note-1", "note-2"} {
		offset := []int{6, 2, 4}[i]
		require.NoError(t, s.WriteDebitNote(ctx, payment.DebitNote{
			ID:             id,
			AgreementID:    "agr-1",
			ActivityID:     "act-1",
			TotalAmountDue: payment.MustAmount("1"),
			Status:         payment.NoteIssued,
			IssuedAt:       testutil.Epoch.Add(time.Duration(offset) * time.Second),
		}))
	}

	notes, err := s.ReadDebitNotes(ctx, "agr-1")
	require.NoError(t, err)
	require.Len(t, notes, 3)
	assert.Equal(t, "note-1", notes[0].ID)
	assert.Equal(t, "note-2", notes[1].ID)
	assert.Equal(t, "note-3", notes[2].ID)
}

func TestWriteInvoiceRejectsSecondForAgreement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgreement(t, s, "agr-1")

	inv := payment.Invoice{
		ID:          "note-4",
		AgreementID: "agr-1",
		Amount:      payment.MustAmount("1.5"),
		Status:      payment.InvoiceIssued,
		IssuedAt:    testutil.Epoch.Add(10 * time.Second),
	}
	require.NoError(t, s.WriteInvoice(ctx, inv))

	// Status updates on the same invoice id are fine.
	inv.Status = payment.InvoiceSettled
	require.NoError(t, s.WriteInvoice(ctx, inv))

	// A different invoice id for the same agreement is a constraint
	// violation, not a silent duplicate.
	dup := inv
	dup.ID = "note-5"
	err := s.WriteInvoice(ctx, dup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE")

	got, err := s.ReadInvoice(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, "note-4", got.ID)
	assert.Equal(t, payment.InvoiceSettled, got.Status)
	assert.Equal(t, "1.5", got.Amount.String())
}

func TestReadInvoiceNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReadInvoice(context.Background(), "agr-1")
	require.Error(t, err)
	assert.True(t, protocol.IsNotFound(err))
}

func TestWritePaymentIgnoresRedelivery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgreement(t, s, "agr-1")

	p := payment.Payment{
		ID:          "pay-1",
		AgreementID: "agr-1",
		Amount:      payment.MustAmount("0.5"),
		NoteIDs:     []string{"note-1"},
		Timestamp:   testutil.Epoch.Add(2 * time.Second),
	}
	require.NoError(t, s.WritePayment(ctx, p))

	// Redelivery with a mutated body must not overwrite the stored fact.
	mutated := p
	mutated.Amount = payment.MustAmount("9")
	require.NoError(t, s.WritePayment(ctx, mutated))

	got, err := s.ReadPayments(ctx, "agr-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0.5", got[0].Amount.String())
	assert.Equal(t, []string{"note-1"}, got[0].NoteIDs)
	assert.Empty(t, got[0].InvoiceID)
}

func TestReadPaymentsOrderedByTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAgreement(t, s, "agr-1")

	require.NoError(t, s.WritePayment(ctx, payment.Payment{
		ID: "pay-2", AgreementID: "agr-1",
		Amount:    payment.MustAmount("1"),
		NoteIDs:   []string{"note-2"},
		Timestamp: testutil.Epoch.Add(4 * time.Second),
	}))
	require.NoError(t, s.WritePayment(ctx, payment.Payment{
		ID: "pay-1", AgreementID: "agr-1",
		Amount:    payment.MustAmount("0.5"),
		NoteIDs:   []string{"note-1"},
		Timestamp: testutil.Epoch.Add(2 * time.Second),
	}))
	require.NoError(t, s.WritePayment(ctx, payment.Payment{
		ID: "pay-3", AgreementID: "agr-1",
		Amount:    payment.MustAmount("0"),
		NoteIDs:   []string{},
		InvoiceID: "note-3",
		Timestamp: testutil.Epoch.Add(10 * time.Second),
	}))

	got, err := s.ReadPayments(ctx, "agr-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "pay-1", got[0].ID)
	assert.Equal(t, "pay-2", got[1].ID)
	assert.Equal(t, "pay-3", got[2].ID)
	assert.Equal(t, "note-3", got[2].InvoiceID)
	assert.Empty(t, got[2].NoteIDs)
}

func TestReadTraceAssemblesHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteAgreement(ctx, AgreementRecord{
		ID: "agr-1", Requestor: "req-1", Provider: "prov-1",
		State: "Terminated", TerminationReason: "Work done",
		CreatedAt:  testutil.Epoch,
		ApprovedAt: testutil.Epoch,
	}))
	require.NoError(t, s.WriteActivity(ctx, ActivityRecord{
		ID: "act-1", AgreementID: "agr-1", State: "Destroyed", Seq: 1,
	}))
	require.NoError(t, s.WriteDebitNote(ctx, payment.DebitNote{
		ID: "note-1", AgreementID: "agr-1", ActivityID: "act-1",
		TotalAmountDue: payment.MustAmount("0.5"),
		Usage:          payment.UsageVector{"golem.usage.duration_sec": 2},
		Status:         payment.NoteAccepted,
		IssuedAt:       testutil.Epoch.Add(2 * time.Second),
	}))
	require.NoError(t, s.WriteInvoice(ctx, payment.Invoice{
		ID: "note-2", AgreementID: "agr-1",
		Amount: payment.MustAmount("0"), Status: payment.InvoiceSettled,
		IssuedAt: testutil.Epoch.Add(10 * time.Second),
	}))
	require.NoError(t, s.WritePayment(ctx, payment.Payment{
		ID: "pay-1", AgreementID: "agr-1",
		Amount: payment.MustAmount("0.5"), NoteIDs: []string{"note-1"},
		Timestamp: testutil.Epoch.Add(2 * time.Second),
	}))

	trace, err := s.ReadTrace(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, "Terminated", trace.Agreement.State)
	require.Len(t, trace.Activities, 1)
	assert.Equal(t, "Destroyed", trace.Activities[0].State)
	require.Len(t, trace.DebitNotes, 1)
	assert.Equal(t, payment.NoteAccepted, trace.DebitNotes[0].Status)
	require.NotNil(t, trace.Invoice)
	assert.Equal(t, payment.InvoiceSettled, trace.Invoice.Status)
	require.Len(t, trace.Payments, 1)
	assert.Equal(t, "pay-1", trace.Payments[0].ID)
}

func TestReadTraceWithoutInvoice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteAgreement(ctx, AgreementRecord{
		ID: "agr-1", Requestor: "req-1", Provider: "prov-1",
		State: "Approved", CreatedAt: testutil.Epoch,
	}))

	trace, err := s.ReadTrace(ctx, "agr-1")
	require.NoError(t, err)
	assert.Nil(t, trace.Invoice)
	assert.Empty(t, trace.Activities)
	assert.Empty(t, trace.DebitNotes)
	assert.Empty(t, trace.Payments)
}

func TestReadTraceUnknownAgreement(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReadTrace(context.Background(), "agr-ghost")
	require.Error(t, err)
	assert.True(t, protocol.IsNotFound(err))
}

func TestUnmarshalTimeEmptyIsZero(t *testing.T) {
	got, err := unmarshalTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = unmarshalTime("not-a-timestamp")
	assert.Error(t, err)
}
