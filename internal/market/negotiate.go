package market

import (
	"context"
	"errors"
	"log/slog"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/protocol"
)

// DefaultMaxExchanges bounds the counter-proposal loop per candidate offer.
// Exceeding it fails that candidate with NegotiationExhausted.
const DefaultMaxExchanges = 10

// Demand is the requestor's property+constraint advertisement.
type Demand struct {
	Props       Props
	Constraints string
}

// API is the market collaborator boundary consumed by the engine.
//
// CollectProposals blocks until at least one proposal arrives or ctx
// expires; implementations translate their own transport timeouts into
// ctx-style deadlines. The engine never sees transport errors: an
// implementation that cannot reach its peer returns context.DeadlineExceeded
// from CollectProposals.
type API interface {
	SubscribeDemand(ctx context.Context, demand Demand) (subscriptionID string, err error)
	CollectProposals(ctx context.Context, subscriptionID string) ([]Proposal, error)
	CounterProposal(ctx context.Context, subscriptionID string, counter Proposal) (proposalID string, err error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// Filter decides whether a candidate offer enters negotiation.
type Filter func(Proposal) bool

// Engine runs counter-proposal exchanges to convergence or failure.
//
// One Negotiate call consumes exactly one subscription lifecycle: the
// demand is subscribed on entry and unsubscribed on every exit path,
// including partial failure.
type Engine struct {
	api          API
	store        *ProposalStore
	idGen        ids.Generator
	maxExchanges int
}

// EngineOption configures engine parameters.
type EngineOption func(*Engine)

// WithMaxExchanges overrides the counter-proposal bound.
// Use small values to test exhaustion behavior.
func WithMaxExchanges(n int) EngineOption {
	return func(e *Engine) {
		e.maxExchanges = n
	}
}

// WithIDGenerator overrides id generation (deterministic ids in tests).
func WithIDGenerator(g ids.Generator) EngineOption {
	return func(e *Engine) {
		e.idGen = g
	}
}

// NewEngine creates a negotiation engine over the given market API.
func NewEngine(api API, opts ...EngineOption) *Engine {
	e := &Engine{
		api:          api,
		store:        NewProposalStore(),
		idGen:        ids.UUIDv7Generator{},
		maxExchanges: DefaultMaxExchanges,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the proposal arena. Used for introspection and testing.
func (e *Engine) Store() *ProposalStore {
	return e.store
}

// Negotiate exchanges counter-proposals against candidate offers until one
// reaches a fixed point, and returns that agreement-ready proposal.
//
// Candidates are tried in first-seen order. A candidate that exhausts the
// exchange bound does not fail the run; the next candidate is tried. The
// returned failure reflects the whole run:
//
//   - NoMatchingOffer: constraints or filter rejected every candidate
//   - NegotiationExhausted: at least one candidate negotiated but none converged
//   - PeerUnresponsive: no reply within the caller-supplied ctx deadline
//
// All are recoverable by retrying with a fresh subscription.
func (e *Engine) Negotiate(ctx context.Context, demand Demand, filter Filter) (Proposal, error) {
	if err := demand.Props.Validate(); err != nil {
		return Proposal{}, err
	}
	demandExpr, err := ParseConstraints(demand.Constraints)
	if err != nil {
		return Proposal{}, err
	}

	subID, err := e.api.SubscribeDemand(ctx, demand)
	if err != nil {
		return Proposal{}, asPeerError(err)
	}
	slog.Debug("demand subscribed", "subscription", subID)

	// Scoped subscription: released on every exit path. Uses a context
	// detached from ctx so cancellation cannot leak the subscription.
	defer func() {
		if uerr := e.api.Unsubscribe(context.WithoutCancel(ctx), subID); uerr != nil {
			slog.Error("unsubscribe failed", "subscription", subID, "error", uerr)
		}
	}()

	candidates, err := e.api.CollectProposals(ctx, subID)
	if err != nil {
		return Proposal{}, asPeerError(err)
	}

	anyNegotiated := false
	for _, offer := range candidates {
		if err := e.store.Add(offer); err != nil {
			slog.Warn("candidate offer rejected by proposal store", "proposal", offer.ID, "error", err)
			continue
		}
		if !demandExpr.MatchProps(offer.Props) {
			slog.Debug("offer rejected by demand constraints", "proposal", offer.ID)
			continue
		}
		offerExpr, perr := ParseConstraints(offer.Constraints)
		if perr != nil || !offerExpr.MatchProps(demand.Props) {
			slog.Debug("demand rejected by offer constraints", "proposal", offer.ID)
			continue
		}
		if filter != nil && !filter(offer) {
			slog.Debug("offer rejected by filter", "proposal", offer.ID)
			continue
		}

		anyNegotiated = true
		converged, nerr := e.negotiateOffer(ctx, subID, demand, offer)
		if nerr == nil {
			slog.Info("negotiation converged",
				"subscription", subID,
				"proposal", converged.ID,
				"rounds", len(e.store.Chain(converged.ID)),
			)
			return converged, nil
		}
		if protocol.IsNegotiationExhausted(nerr) {
			slog.Info("candidate exhausted exchange bound, trying next", "proposal", offer.ID)
			continue
		}
		return Proposal{}, nerr
	}

	if anyNegotiated {
		return Proposal{}, protocol.Errorf(protocol.CodeNegotiationExhausted,
			"no candidate reached a fixed point within %d exchanges", e.maxExchanges)
	}
	return Proposal{}, protocol.Errorf(protocol.CodeNoMatchingOffer,
		"all %d candidate offers rejected", len(candidates))
}

// negotiateOffer runs the exchange loop against a single candidate.
//
// Convergence: the exchange stops successfully when a newly returned
// provider proposal's property set is structurally equal to the provider's
// immediately preceding one (a fixed point).
func (e *Engine) negotiateOffer(ctx context.Context, subID string, demand Demand, offer Proposal) (Proposal, error) {
	lastProvider := offer

	for round := 1; round <= e.maxExchanges; round++ {
		counter := Proposal{
			ID:             e.idGen.Generate(),
			Issuer:         IssuerRequestor,
			Props:          counterProps(demand.Props, lastProvider.Props),
			Constraints:    demand.Constraints,
			PrevProposalID: lastProvider.ID,
		}
		if err := e.store.Add(counter); err != nil {
			return Proposal{}, err
		}
		if _, err := e.api.CounterProposal(ctx, subID, counter); err != nil {
			return Proposal{}, asPeerError(err)
		}
		slog.Debug("counter-proposal sent",
			"round", round,
			"proposal", counter.ID,
			"prev", counter.PrevProposalID,
		)

		reply, err := e.awaitReply(ctx, subID, counter.ID)
		if err != nil {
			return Proposal{}, err
		}
		if err := e.store.Add(reply); err != nil {
			return Proposal{}, err
		}

		if reply.Props.Equal(lastProvider.Props) {
			return reply, nil
		}
		lastProvider = reply
	}

	return Proposal{}, &protocol.Error{
		Code:     protocol.CodeNegotiationExhausted,
		Message:  "exchange bound reached without a fixed point",
		EntityID: offer.ID,
	}
}

// awaitReply polls for the provider proposal countering ours.
func (e *Engine) awaitReply(ctx context.Context, subID, counterID string) (Proposal, error) {
	for {
		proposals, err := e.api.CollectProposals(ctx, subID)
		if err != nil {
			return Proposal{}, asPeerError(err)
		}
		for _, p := range proposals {
			if p.PrevProposalID == counterID {
				return p, nil
			}
			// Replies to other counters (or fresh offers) still enter the
			// arena so their chains stay resolvable.
			if err := e.store.Add(p); err != nil && !protocol.IsConflict(err) {
				slog.Warn("stray proposal dropped", "proposal", p.ID, "error", err)
			}
		}
	}
}

// counterProps derives the requestor's counter property set: the demand's
// properties, adopting provider values for keys the demand left unset.
// Unknown provider keys pass through untouched.
func counterProps(demand, provider Props) Props {
	flat := provider.Flatten()
	for k, v := range demand.Flatten() {
		flat[k] = v
	}
	merged, err := PropsFromFlat(flat)
	if err != nil {
		// Both inputs round-tripped through Flatten already; a parse
		// failure here means a malformed known key slipped past
		// validation, which Add would have rejected.
		return demand
	}
	return merged
}

// asPeerError maps context deadline failures to PeerUnresponsive and wraps
// everything else so no raw transport error leaks upward.
func asPeerError(err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &protocol.Error{
			Code:    protocol.CodePeerUnresponsive,
			Message: "no reply before deadline",
			Err:     err,
		}
	}
	return &protocol.Error{
		Code:    protocol.CodePeerUnresponsive,
		Message: "market transport failure",
		Err:     err,
	}
}
