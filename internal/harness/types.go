package harness

// TraceEvent is one observable protocol fact emitted during scenario
// execution. Seq is a logical position; all amounts are decimal strings
// so the trace is byte-stable across runs.
type TraceEvent struct {
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	AgreementID string `json:"agreement_id,omitempty"`
	ActivityID  string `json:"activity_id,omitempty"`
	NoteID      string `json:"note_id,omitempty"`
	Amount      string `json:"amount,omitempty"`
	State       string `json:"state,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Trace event kinds.
const (
	EvNegotiated        = "negotiated"
	EvAgreementCreated  = "agreement_created"
	EvConfirmed         = "confirmed"
	EvApproved          = "approved"
	EvActivityCreated   = "activity_created"
	EvActivityStarted   = "activity_started"
	EvActivityDestroyed = "activity_destroyed"
	EvNoteIssued        = "note_issued"
	EvNoteAccepted      = "note_accepted"
	EvPaid              = "paid"
	EvTerminated        = "terminated"
	EvInvoiceIssued     = "invoice_issued"
	EvInvoiceSettled    = "invoice_settled"
	EvError             = "error"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: the flow executed and every
	// expectation matched.
	Pass bool `json:"pass"`

	// Trace contains the protocol facts in execution order. Used for
	// golden comparison.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Summary is the final settlement state.
	Summary Summary `json:"summary"`
}

// Summary is the final settlement state of the scenario's agreement.
type Summary struct {
	AgreementID       string `json:"agreement_id"`
	AgreementState    string `json:"agreement_state"`
	TerminationReason string `json:"termination_reason,omitempty"`
	Notes             int    `json:"notes"`
	InvoiceStatus     string `json:"invoice_status,omitempty"`
	InvoiceAmount     string `json:"invoice_amount,omitempty"`
	PaidTotal         string `json:"paid_total"`
	ReceivedTotal     string `json:"received_total"`
	AllocationSpent   string `json:"allocation_spent"`
	AllocationTotal   string `json:"allocation_total"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an expectation failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEvent appends a trace event, assigning the next seq.
func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
