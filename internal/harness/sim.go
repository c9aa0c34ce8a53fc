package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/market"
	"github.com/golemfactory/yagna/internal/payment"
)

// simMarket is an in-process provider side of the negotiation. Providers
// answer every counter-proposal with their original offer properties, so
// a negotiation against simMarket converges on the first exchange.
type simMarket struct {
	gen ids.Generator

	mu        sync.Mutex
	proposals []market.Proposal
	subs      int
}

func newSimMarket(offers []OfferSpec, gen ids.Generator) (*simMarket, error) {
	m := &simMarket{gen: gen}
	for i, spec := range offers {
		props, err := market.PropsFromFlat(spec.Properties)
		if err != nil {
			return nil, fmt.Errorf("offers[%d]: %w", i, err)
		}
		m.proposals = append(m.proposals, market.Proposal{
			ID:          gen.Generate(),
			Issuer:      market.IssuerProvider,
			Props:       props,
			Constraints: spec.Constraints,
		})
	}
	return m, nil
}

func (m *simMarket) SubscribeDemand(_ context.Context, _ market.Demand) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs++
	return fmt.Sprintf("sub-%d", m.subs), nil
}

// CollectProposals returns every provider proposal produced so far. The
// negotiation engine filters candidates once and then polls for replies
// by back-reference, so returning the full set is harmless.
func (m *simMarket) CollectProposals(_ context.Context, _ string) ([]market.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Proposal, len(m.proposals))
	copy(out, m.proposals)
	return out, nil
}

// CounterProposal records the requestor's counter and immediately queues
// the provider's reply: the provider restates the properties of the offer
// at the root of the counter's chain.
func (m *simMarket) CounterProposal(_ context.Context, _ string, counter market.Proposal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, ok := m.rootOffer(counter)
	if !ok {
		return "", fmt.Errorf("counter %s references unknown offer", counter.ID)
	}

	reply := market.Proposal{
		ID:             m.gen.Generate(),
		Issuer:         market.IssuerProvider,
		Props:          root.Props,
		Constraints:    root.Constraints,
		PrevProposalID: counter.ID,
	}
	m.proposals = append(m.proposals, reply)
	return counter.ID, nil
}

func (m *simMarket) Unsubscribe(_ context.Context, _ string) error { return nil }

// rootOffer walks the counter's back-references to the provider offer it
// originated from.
func (m *simMarket) rootOffer(counter market.Proposal) (market.Proposal, bool) {
	byID := make(map[string]market.Proposal, len(m.proposals))
	for _, p := range m.proposals {
		byID[p.ID] = p
	}

	id := counter.PrevProposalID
	for id != "" {
		p, ok := byID[id]
		if !ok {
			return market.Proposal{}, false
		}
		if p.PrevProposalID == "" {
			return p, true
		}
		id = p.PrevProposalID
	}
	return market.Proposal{}, false
}

// scriptedMeter accrues a fixed cost per tick. Sample is cumulative, as
// the provider billing loop expects.
type scriptedMeter struct {
	mu      sync.Mutex
	ticks   int64
	perTick payment.Amount
}

func newScriptedMeter(perTick payment.Amount) *scriptedMeter {
	return &scriptedMeter{perTick: perTick}
}

// tick advances usage by one interval.
func (m *scriptedMeter) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

// Sample implements payment.UsageMeter.
func (m *scriptedMeter) Sample() (payment.UsageVector, payment.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := payment.AmountZero
	for i := int64(0); i < m.ticks; i++ {
		total = total.Add(m.perTick)
	}
	return payment.UsageVector{"golem.usage.duration_sec": m.ticks}, total
}
