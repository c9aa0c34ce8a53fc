package payment

import "time"

// NoteStatus is a debit note lifecycle status.
type NoteStatus string

const (
	NoteIssued   NoteStatus = "Issued"
	NoteAccepted NoteStatus = "Accepted"
	NoteRejected NoteStatus = "Rejected"
)

// DebitNote is an interim usage/amount-due notice issued by the provider
// while an activity runs.
//
// TotalAmountDue is cumulative and monotonically non-decreasing per
// activity. Acceptance is idempotent per id and requires the full amount;
// partial acceptance is not supported.
type DebitNote struct {
	ID             string
	AgreementID    string
	ActivityID     string
	TotalAmountDue Amount
	Usage          UsageVector
	Status         NoteStatus
	IssuedAt       time.Time
	Deadline       time.Time // accept-by instant, zero when no deadline was negotiated
}

// UsageVector carries the metered usage counters backing a debit note.
// Custom counters must be strictly positive once execution has progressed.
type UsageVector map[string]int64

// Progressed reports whether any counter shows forward progress.
func (u UsageVector) Progressed() bool {
	for _, v := range u {
		if v > 0 {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (u UsageVector) Clone() UsageVector {
	if u == nil {
		return nil
	}
	out := make(UsageVector, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// DebitNoteEvent is one entry of the requestor-side debit note stream.
// Events are delivered at-least-once, ordered by non-decreasing timestamp
// within one agreement.
type DebitNoteEvent struct {
	Note      DebitNote
	Timestamp time.Time
}

// InvoiceStatus is an invoice lifecycle status.
type InvoiceStatus string

const (
	InvoiceIssued   InvoiceStatus = "Issued"
	InvoiceAccepted InvoiceStatus = "Accepted"
	InvoiceSettled  InvoiceStatus = "Settled"
	InvoiceRejected InvoiceStatus = "Rejected"
)

// Invoice is the terminal bill for an agreement: exactly one is issued
// when the agreement reaches Terminated, covering every debit note not yet
// paid; zero-amount when no activity ever ran.
type Invoice struct {
	ID          string
	AgreementID string
	Amount      Amount
	Status      InvoiceStatus
	IssuedAt    time.Time
}

// Payment is one executed transfer. Mid-agreement payments batch the debit
// notes accepted since the previous payment tick; the final payment
// settles the invoice.
type Payment struct {
	ID          string
	AgreementID string
	Amount      Amount
	NoteIDs     []string
	InvoiceID   string // set on the settling payment
	Timestamp   time.Time
}
