package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/protocol"
)

// fakeMarket answers counter-proposals synchronously. With mutate unset a
// provider restates its root offer, so negotiation converges on the first
// exchange; with mutate set every reply differs and no fixed point exists.
type fakeMarket struct {
	mu           sync.Mutex
	byID         map[string]Proposal
	offers       []Proposal
	produced     []Proposal
	mutate       bool
	collectErr   error
	seq          int
	unsubscribes int
}

func newFakeMarket(offers ...Proposal) *fakeMarket {
	m := &fakeMarket{byID: make(map[string]Proposal)}
	for _, o := range offers {
		m.offers = append(m.offers, o)
		m.byID[o.ID] = o
	}
	return m
}

func (m *fakeMarket) SubscribeDemand(context.Context, Demand) (string, error) {
	return "sub-1", nil
}

func (m *fakeMarket) CollectProposals(context.Context, string) ([]Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collectErr != nil {
		return nil, m.collectErr
	}
	out := make([]Proposal, 0, len(m.offers)+len(m.produced))
	out = append(out, m.offers...)
	out = append(out, m.produced...)
	return out, nil
}

func (m *fakeMarket) CounterProposal(_ context.Context, _ string, counter Proposal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[counter.ID] = counter

	root, ok := m.root(counter)
	if !ok {
		return "", fmt.Errorf("counter %s references unknown offer", counter.ID)
	}

	props := root.Props
	if m.mutate {
		m.seq++
		flat := props.Flatten()
		flat["fake.round"] = strconv.Itoa(m.seq)
		props, _ = PropsFromFlat(flat)
	}
	m.seq++
	reply := Proposal{
		ID:             fmt.Sprintf("reply-%d", m.seq),
		Issuer:         IssuerProvider,
		Props:          props,
		Constraints:    root.Constraints,
		PrevProposalID: counter.ID,
	}
	m.byID[reply.ID] = reply
	m.produced = append(m.produced, reply)
	return counter.ID, nil
}

func (m *fakeMarket) Unsubscribe(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribes++
	return nil
}

func (m *fakeMarket) root(counter Proposal) (Proposal, bool) {
	id := counter.PrevProposalID
	for id != "" {
		p, ok := m.byID[id]
		if !ok {
			return Proposal{}, false
		}
		if p.PrevProposalID == "" {
			return p, true
		}
		id = p.PrevProposalID
	}
	return Proposal{}, false
}

func newTestEngine(api API, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithIDGenerator(ids.NewSeqGenerator("prop"))}, opts...)
	return NewEngine(api, opts...)
}

func linearOffer(id string) Proposal {
	return Proposal{
		ID:     id,
		Issuer: IssuerProvider,
		Props:  Props{PricingModel: "linear", RuntimeName: "vm"},
	}
}

func TestNegotiateConverges(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	e := newTestEngine(m)

	demand := Demand{
		Props:       Props{DebitNoteAcceptTimeout: Int64(120)},
		Constraints: "(golem.com.pricing.model=linear)",
	}
	agreed, err := e.Negotiate(context.Background(), demand, nil)
	require.NoError(t, err)

	assert.Equal(t, IssuerProvider, agreed.Issuer)
	assert.Equal(t, "linear", agreed.Props.PricingModel)
	assert.Equal(t, 1, m.unsubscribes, "subscription released on success")

	// offer, requestor counter, converged reply
	chain := e.Store().Chain(agreed.ID)
	require.Len(t, chain, 3)
	assert.Equal(t, IssuerRequestor, chain[1].Issuer)
}

// The requestor's counter adopts provider values for keys the demand left
// unset, so the exchange narrows instead of oscillating.
func TestNegotiateCounterAdoptsProviderValues(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	e := newTestEngine(m)

	demand := Demand{Props: Props{DebitNoteAcceptTimeout: Int64(120)}}
	agreed, err := e.Negotiate(context.Background(), demand, nil)
	require.NoError(t, err)

	chain := e.Store().Chain(agreed.ID)
	require.Len(t, chain, 3)
	counter := chain[1]
	assert.Equal(t, "linear", counter.Props.PricingModel)
	assert.Equal(t, int64(120), *counter.Props.DebitNoteAcceptTimeout)
}

func TestNegotiateExhaustsBoundedly(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	m.mutate = true
	e := newTestEngine(m, WithMaxExchanges(3))

	_, err := e.Negotiate(context.Background(), Demand{}, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsNegotiationExhausted(err))
	assert.Equal(t, 1, m.unsubscribes, "subscription released on failure")
}

func TestNegotiateNoMatchingOffer(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	e := newTestEngine(m)

	demand := Demand{Constraints: "(golem.com.pricing.model=fixed)"}
	_, err := e.Negotiate(context.Background(), demand, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsNoMatchingOffer(err))
}

func TestNegotiateOfferConstraintsRejectDemand(t *testing.T) {
	offer := linearOffer("offer-1")
	offer.Constraints = "(golem.srv.caps.multi-activity=true)"
	m := newFakeMarket(offer)
	e := newTestEngine(m)

	_, err := e.Negotiate(context.Background(), Demand{}, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsNoMatchingOffer(err))
}

func TestNegotiateFilterRejects(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	e := newTestEngine(m)

	reject := func(Proposal) bool { return false }
	_, err := e.Negotiate(context.Background(), Demand{}, reject)
	require.Error(t, err)
	assert.True(t, protocol.IsNoMatchingOffer(err))
}

func TestNegotiateTriesNextCandidateAfterExhaustion(t *testing.T) {
	stubborn := linearOffer("offer-1")
	stubborn.Props.Extra = map[string]string{"fake.stubborn": "true"}
	agreeable := linearOffer("offer-2")

	m := newFakeMarket(stubborn, agreeable)
	m.mutate = true
	e := newTestEngine(m, WithMaxExchanges(2))

	// The filter doubles as a hook: once the engine reaches the second
	// candidate, stop mutating replies so that one can converge.
	_, err := e.Negotiate(context.Background(), Demand{}, func(p Proposal) bool {
		if p.Props.Extra["fake.stubborn"] == "true" {
			return true
		}
		m.mu.Lock()
		m.mutate = false
		m.mu.Unlock()
		return true
	})
	require.NoError(t, err)
}

func TestNegotiatePeerUnresponsive(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	m.collectErr = context.DeadlineExceeded
	e := newTestEngine(m)

	_, err := e.Negotiate(context.Background(), Demand{}, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsPeerUnresponsive(err))
	assert.Equal(t, 1, m.unsubscribes)
}

func TestNegotiateRejectsInvalidDemand(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	e := newTestEngine(m)

	demand := Demand{Props: Props{DebitNoteAcceptTimeout: Int64(-5)}}
	_, err := e.Negotiate(context.Background(), demand, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsValidation(err))
}

func TestNegotiateRejectsMalformedConstraints(t *testing.T) {
	m := newFakeMarket(linearOffer("offer-1"))
	e := newTestEngine(m)

	_, err := e.Negotiate(context.Background(), Demand{Constraints: "(a=1"}, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsValidation(err))
}
