package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/golemfactory/yagna/internal/agreement"
	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/market"
	"github.com/golemfactory/yagna/internal/payment"
	"github.com/golemfactory/yagna/internal/store"
	"github.com/golemfactory/yagna/internal/supervisor"
	"github.com/golemfactory/yagna/internal/testutil"
)

// Platform is the payment platform scenarios settle on. The harness runs
// a single platform; multi-platform routing is a node concern, not a
// protocol one.
const Platform = "erc20-mainnet-glm"

// approvalWindow bounds how long a confirmed agreement may wait for
// approval in a scenario.
const approvalWindow = 90 * time.Second

// Harness executes one scenario against the full protocol pipeline:
// negotiation, agreement lifecycle, metered billing, supervision and
// settlement, all driven synchronously off a manual clock.
type Harness struct {
	scenario *Scenario
	result   *Result
	store    *store.Store
	clock    *testutil.ManualClock

	ledger *payment.Ledger
	alloc  *payment.Allocation

	registry *agreement.Registry
	agr      *agreement.Agreement
	activity []string // creation order, for flow step indexing

	meter *scriptedMeter
	link  *payment.Link
	prov  *payment.ProviderBilling
	req   *payment.RequestorBilling
	sup   *supervisor.Supervisor

	cursor     time.Time
	seen       map[string]bool // note ids already processed (stream is at-least-once)
	noteCount  int
	payCount   int
	tickPeriod time.Duration
}

// Run executes a scenario in a fresh in-memory database and returns the
// result. Deterministic id generators and a manual clock make the trace
// reproducible byte for byte.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	return RunWithStore(scenario, st)
}

// RunWithStore executes a scenario and persists the settlement trace to
// the given store. Used by the CLI to keep traces across runs.
func RunWithStore(scenario *Scenario, st *store.Store) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		result:   NewResult(),
		store:    st,
		clock:    testutil.NewManualClock(),
		seen:     make(map[string]bool),
	}

	ctx := context.Background()

	if err := h.setup(ctx); err != nil {
		return nil, err
	}
	if err := h.executeFlow(ctx); err != nil {
		return nil, err
	}
	h.summarize()
	h.checkExpectations()
	if err := h.persist(ctx); err != nil {
		return nil, err
	}
	return h.result, nil
}

// setup builds the pipeline: funds and deposits, negotiation against the
// simulated market, agreement creation, allocation, billing on both sides
// and the timeout supervisor.
func (h *Harness) setup(ctx context.Context) error {
	s := h.scenario

	// Funds and deposits.
	balances := map[string]payment.Amount{}
	if s.Funds != "" {
		funds, err := payment.ParseAmount(s.Funds)
		if err != nil {
			return fmt.Errorf("funds: %w", err)
		}
		balances[Platform] = funds
	}
	var deposits []payment.Deposit
	for i, spec := range s.Deposits {
		capacity, err := payment.ParseAmount(spec.Capacity)
		if err != nil {
			return fmt.Errorf("deposits[%d]: %w", i, err)
		}
		deposits = append(deposits, payment.Deposit{
			ID:       spec.ID,
			Contract: spec.Contract,
			Capacity: capacity,
		})
	}
	h.ledger = payment.NewLedger(balances, deposits,
		payment.WithLedgerClock(h.clock.Now),
		payment.WithLedgerIDGenerator(ids.NewSeqGenerator("alloc")),
	)

	// Negotiation against the simulated providers.
	demandProps, err := market.PropsFromFlat(s.Demand.Properties)
	if err != nil {
		return fmt.Errorf("demand: %w", err)
	}
	sim, err := newSimMarket(s.Offers, ids.NewSeqGenerator("offer"))
	if err != nil {
		return err
	}
	engine := market.NewEngine(sim, market.WithIDGenerator(ids.NewSeqGenerator("prop")))

	agreed, err := engine.Negotiate(ctx, market.Demand{
		Props:       demandProps,
		Constraints: s.Demand.Constraints,
	}, nil)
	if err != nil {
		return fmt.Errorf("negotiation: %w", err)
	}
	h.result.addEvent(TraceEvent{Kind: EvNegotiated, Detail: agreed.ID})

	// Agreement and supervision.
	h.registry = agreement.NewRegistry(
		agreement.WithIDGenerator(ids.NewSeqGenerator("agr")),
		agreement.WithActivityIDGenerator(ids.NewSeqGenerator("act")),
		agreement.WithClock(h.clock.Now),
	)
	h.sup = supervisor.New(supervisor.DefaultConfig,
		supervisor.NotifierFunc(func(context.Context, string, string) error { return nil }),
		supervisor.WithClock(h.clock.Now),
	)
	h.registry.Observe(h.sup.OnAgreementEvent)
	h.registry.Observe(h.onAgreementEvent)

	h.agr, err = h.registry.Create(agreed, "requestor", s.Offers[0].Provider)
	if err != nil {
		return fmt.Errorf("agreement: %w", err)
	}
	h.sup.Track(h.agr)

	// Allocation.
	req := payment.CreateRequest{
		Platform: Platform,
		Deposits: s.Allocation.Deposits,
	}
	if req.Total, err = payment.ParseAmount(s.Allocation.Total); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}
	if s.Allocation.TimeoutSec > 0 {
		req.Timeout = time.Duration(s.Allocation.TimeoutSec) * time.Second
	}
	if h.alloc, err = h.ledger.Create(req); err != nil {
		return fmt.Errorf("allocation: %w", err)
	}

	// Billing on both sides over an in-process link.
	cfg := payment.ConfigFromProps(agreed.Props, payment.DefaultConfig)
	if s.Billing.DebitNoteIntervalSec > 0 {
		cfg.DebitNoteInterval = time.Duration(s.Billing.DebitNoteIntervalSec) * time.Second
	}
	if s.Billing.AcceptTimeoutSec > 0 {
		cfg.AcceptTimeout = time.Duration(s.Billing.AcceptTimeoutSec) * time.Second
	}
	if s.Billing.PaymentIntervalSec > 0 {
		cfg.PaymentInterval = time.Duration(s.Billing.PaymentIntervalSec) * time.Second
	}
	h.tickPeriod = cfg.DebitNoteInterval

	perTick := payment.AmountZero
	if s.CostPerTick != "" {
		if perTick, err = payment.ParseAmount(s.CostPerTick); err != nil {
			return fmt.Errorf("cost_per_tick: %w", err)
		}
	}
	h.meter = newScriptedMeter(perTick)

	h.prov = payment.NewProviderBilling(h.agr, h.meter, nil, h.sup, cfg,
		payment.WithProviderClock(h.clock.Now),
		payment.WithProviderIDGenerator(ids.NewSeqGenerator("note")),
	)
	h.link = payment.NewLink(h.prov, h.clock.Now)
	h.prov.SetSink(h.link)

	h.req = payment.NewRequestorBilling(h.agr.ID(), h.ledger, h.alloc.ID(), h.link, h.link, cfg,
		payment.WithRequestorClock(h.clock.Now),
		payment.WithRequestorIDGenerator(ids.NewSeqGenerator("pay")),
	)

	h.cursor = h.clock.Now().Add(-time.Second)
	return nil
}

// onAgreementEvent mirrors lifecycle events into the trace.
func (h *Harness) onAgreementEvent(ev agreement.Event) {
	switch ev.Kind {
	case agreement.EventCreated:
		h.result.addEvent(TraceEvent{Kind: EvAgreementCreated, AgreementID: ev.AgreementID})
	case agreement.EventConfirmed:
		h.result.addEvent(TraceEvent{Kind: EvConfirmed, AgreementID: ev.AgreementID})
	case agreement.EventApproved:
		h.result.addEvent(TraceEvent{Kind: EvApproved, AgreementID: ev.AgreementID})
	case agreement.EventActivityCreated:
		h.result.addEvent(TraceEvent{Kind: EvActivityCreated, AgreementID: ev.AgreementID, ActivityID: ev.ActivityID})
	case agreement.EventActivityStarted:
		h.result.addEvent(TraceEvent{Kind: EvActivityStarted, AgreementID: ev.AgreementID, ActivityID: ev.ActivityID})
	case agreement.EventActivityDestroyed:
		h.result.addEvent(TraceEvent{Kind: EvActivityDestroyed, AgreementID: ev.AgreementID, ActivityID: ev.ActivityID})
	case agreement.EventTerminated:
		h.result.addEvent(TraceEvent{Kind: EvTerminated, AgreementID: ev.AgreementID, Detail: ev.Reason})
	}
}

// executeFlow runs the scripted steps in order. Step errors that model
// protocol outcomes (rejected acceptance, failed issue) enter the trace;
// script errors (unknown activity index) abort the run.
func (h *Harness) executeFlow(ctx context.Context) error {
	for i, step := range h.scenario.Flow {
		count := step.Count
		if count == 0 {
			count = 1
		}
		for n := 0; n < count; n++ {
			if err := h.executeStep(ctx, step); err != nil {
				return fmt.Errorf("flow[%d] (%s): %w", i, step.Step, err)
			}
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, step FlowStep) error {
	switch step.Step {
	case StepConfirm:
		if err := h.agr.Confirm(); err != nil {
			h.traceError(err)
		}

	case StepApprove:
		if err := h.agr.Approve(approvalWindow); err != nil {
			h.traceError(err)
		}

	case StepCreateActivity:
		act, err := h.agr.CreateActivity()
		if err != nil {
			h.traceError(err)
			return nil
		}
		h.activity = append(h.activity, act.ID())

	case StepStartActivity:
		id, err := h.activityAt(step.Activity)
		if err != nil {
			return err
		}
		if err := h.agr.StartActivity(id); err != nil {
			h.traceError(err)
		}

	case StepDestroyActivity:
		id, err := h.activityAt(step.Activity)
		if err != nil {
			return err
		}
		if err := h.agr.DestroyActivity(id); err != nil {
			h.traceError(err)
		}

	case StepTick:
		return h.tick(ctx)

	case StepPeerDown:
		h.link.SetDown(true)

	case StepPeerUp:
		h.link.SetDown(false)

	case StepSupervise:
		h.sup.CheckNow(ctx, h.agr.ID())

	case StepAdvance:
		h.clock.Advance(time.Duration(step.Seconds) * time.Second)

	case StepTerminate:
		h.agr.Terminate(step.Reason)

	case StepInvoice:
		inv, err := h.prov.IssueInvoice()
		if err != nil {
			h.traceError(err)
			return nil
		}
		h.result.addEvent(TraceEvent{
			Kind:        EvInvoiceIssued,
			AgreementID: h.agr.ID(),
			Amount:      inv.Amount.String(),
			Detail:      inv.ID,
		})

	case StepSettle:
		if err := h.req.SettleInvoice(ctx); err != nil {
			h.traceError(err)
			return nil
		}
		h.drainPayments()
		if inv, ok := h.prov.Invoice(); ok && inv.Status == payment.InvoiceSettled {
			h.result.addEvent(TraceEvent{
				Kind:        EvInvoiceSettled,
				AgreementID: h.agr.ID(),
				Amount:      inv.Amount.String(),
				Detail:      inv.ID,
			})
		}

	default:
		return fmt.Errorf("unknown step %q", step.Step)
	}
	return nil
}

// tick advances one debit-note interval: usage accrues, the provider
// issues, the requestor drains the stream and pays.
func (h *Harness) tick(ctx context.Context) error {
	h.clock.Advance(h.tickPeriod)
	h.meter.tick()

	if err := h.prov.IssueNow(ctx); err != nil {
		h.traceError(err)
	}
	h.drainNotes()

	events, err := h.link.DebitNoteEvents(ctx, h.cursor)
	if err == nil {
		for _, ev := range events {
			if h.seen[ev.Note.ID] {
				continue
			}
			h.seen[ev.Note.ID] = true
			if perr := h.req.ProcessEvent(ctx, ev); perr != nil {
				h.traceError(perr)
				continue
			}
			h.result.addEvent(TraceEvent{
				Kind:        EvNoteAccepted,
				AgreementID: h.agr.ID(),
				NoteID:      ev.Note.ID,
				Amount:      ev.Note.TotalAmountDue.String(),
			})
			if ev.Timestamp.After(h.cursor) {
				h.cursor = ev.Timestamp
			}
		}
	}

	if err := h.req.PayNow(ctx); err != nil {
		h.traceError(err)
	}
	h.drainPayments()

	h.sup.CheckNow(ctx, h.agr.ID())
	return nil
}

// drainNotes traces notes issued since the last call.
func (h *Harness) drainNotes() {
	notes := h.prov.Notes()
	for ; h.noteCount < len(notes); h.noteCount++ {
		note := notes[h.noteCount]
		h.result.addEvent(TraceEvent{
			Kind:        EvNoteIssued,
			AgreementID: note.AgreementID,
			ActivityID:  note.ActivityID,
			NoteID:      note.ID,
			Amount:      note.TotalAmountDue.String(),
		})
	}
}

// drainPayments traces payments executed since the last call.
func (h *Harness) drainPayments() {
	payments := h.req.Payments()
	for ; h.payCount < len(payments); h.payCount++ {
		p := payments[h.payCount]
		h.result.addEvent(TraceEvent{
			Kind:        EvPaid,
			AgreementID: p.AgreementID,
			Amount:      p.Amount.String(),
			Detail:      p.ID,
		})
	}
}

func (h *Harness) traceError(err error) {
	h.result.addEvent(TraceEvent{Kind: EvError, AgreementID: h.agr.ID(), Detail: err.Error()})
}

func (h *Harness) activityAt(idx int) (string, error) {
	if idx < 0 || idx >= len(h.activity) {
		return "", fmt.Errorf("activity index %d out of range (have %d)", idx, len(h.activity))
	}
	return h.activity[idx], nil
}

// summarize captures the final settlement state.
func (h *Harness) summarize() {
	s := Summary{
		AgreementID:       h.agr.ID(),
		AgreementState:    h.agr.State().String(),
		TerminationReason: h.agr.TerminationReason(),
		Notes:             len(h.prov.Notes()),
		PaidTotal:         h.req.PaidTotal().String(),
		ReceivedTotal:     h.prov.ReceivedTotal().String(),
		AllocationSpent:   h.alloc.Spent().String(),
		AllocationTotal:   h.alloc.Total().String(),
	}
	if inv, ok := h.prov.Invoice(); ok {
		s.InvoiceStatus = string(inv.Status)
		s.InvoiceAmount = inv.Amount.String()
	}
	h.result.Summary = s
}

// checkExpectations validates the expect clause against the summary.
func (h *Harness) checkExpectations() {
	exp := h.scenario.Expect
	sum := h.result.Summary

	check := func(field, want, got string) {
		if want != "" && want != got {
			h.result.AddError(fmt.Sprintf("%s: expected %q, got %q", field, want, got))
		}
	}
	check("agreement_state", exp.AgreementState, sum.AgreementState)
	check("termination_reason", exp.TerminationReason, sum.TerminationReason)
	check("invoice_status", exp.InvoiceStatus, sum.InvoiceStatus)
	check("paid_total", exp.PaidTotal, sum.PaidTotal)
	check("received_total", exp.ReceivedTotal, sum.ReceivedTotal)
	check("allocation_spent", exp.AllocationSpent, sum.AllocationSpent)
	if exp.Notes != nil && *exp.Notes != sum.Notes {
		h.result.AddError(fmt.Sprintf("notes: expected %d, got %d", *exp.Notes, sum.Notes))
	}
}

// persist writes the settlement trace to the store.
func (h *Harness) persist(ctx context.Context) error {
	rec := store.AgreementRecord{
		ID:                h.agr.ID(),
		Requestor:         h.agr.Requestor(),
		Provider:          h.agr.Provider(),
		State:             h.agr.State().String(),
		MultiActivity:     h.agr.MultiActivity(),
		CreatedAt:         testutil.Epoch,
		ApprovedAt:        h.agr.ApprovedAt(),
		TerminationReason: h.agr.TerminationReason(),
	}
	if err := h.store.WriteAgreement(ctx, rec); err != nil {
		return err
	}

	for i, id := range h.activity {
		act, ok := h.agr.Activity(id)
		if !ok {
			continue
		}
		err := h.store.WriteActivity(ctx, store.ActivityRecord{
			ID:          id,
			AgreementID: h.agr.ID(),
			State:       act.State().String(),
			Seq:         int64(i + 1),
		})
		if err != nil {
			return err
		}
	}

	for _, note := range h.prov.Notes() {
		if err := h.store.WriteDebitNote(ctx, note); err != nil {
			return err
		}
	}
	if inv, ok := h.prov.Invoice(); ok {
		if err := h.store.WriteInvoice(ctx, inv); err != nil {
			return err
		}
	}
	for _, p := range h.req.Payments() {
		if err := h.store.WritePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
