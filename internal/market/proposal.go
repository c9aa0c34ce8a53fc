package market

import (
	"sync"

	"github.com/golemfactory/yagna/internal/protocol"
)

// Issuer identifies which side of a negotiation produced a proposal.
type Issuer int

const (
	IssuerRequestor Issuer = iota + 1
	IssuerProvider
)

// String implements fmt.Stringer for log output.
func (i Issuer) String() string {
	switch i {
	case IssuerRequestor:
		return "requestor"
	case IssuerProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// Proposal is one step in a counter-proposal exchange. Immutable once
// created: countering always produces a new Proposal rather than mutating
// one in place.
type Proposal struct {
	ID          string
	Issuer      Issuer
	Props       Props
	Constraints string

	// PrevProposalID references the proposal this one counters. Empty for
	// the initial proposal of a session. It is a lookup key into the
	// ProposalStore arena, not an owning pointer: requestor- and
	// provider-side histories interleave without ownership cycles.
	PrevProposalID string
}

// ProposalStore is an append-only arena of proposals indexed by id.
//
// The chain invariant is enforced on insert: every non-initial proposal
// must reference a proposal previously recorded from the other party in
// the same session. Insertion order is preserved so candidate iteration is
// first-seen deterministic.
type ProposalStore struct {
	mu    sync.Mutex
	byID  map[string]Proposal
	order []string
}

// NewProposalStore creates an empty proposal arena.
func NewProposalStore() *ProposalStore {
	return &ProposalStore{byID: make(map[string]Proposal)}
}

// Add records a proposal, enforcing the chain invariant.
//
// Returns Conflict if the id already exists, if the back-reference is
// unknown, or if the back-reference was issued by the same party.
func (s *ProposalStore) Add(p Proposal) error {
	if p.ID == "" {
		return protocol.Errorf(protocol.CodeValidation, "proposal id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[p.ID]; exists {
		return &protocol.Error{
			Code:     protocol.CodeConflict,
			Message:  "proposal already recorded",
			EntityID: p.ID,
		}
	}
	if p.PrevProposalID != "" {
		prev, ok := s.byID[p.PrevProposalID]
		if !ok {
			return &protocol.Error{
				Code:     protocol.CodeNotFound,
				Message:  "previous proposal not in session",
				EntityID: p.PrevProposalID,
			}
		}
		if prev.Issuer == p.Issuer {
			return &protocol.Error{
				Code:     protocol.CodeConflict,
				Message:  "previous proposal was issued by the same party",
				EntityID: p.ID,
			}
		}
	}

	s.byID[p.ID] = p
	s.order = append(s.order, p.ID)
	return nil
}

// Get returns the proposal with the given id.
func (s *ProposalStore) Get(id string) (Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	return p, ok
}

// Chain walks the back-references from id to the initial proposal.
// The result is ordered newest first. Unknown ids yield an empty chain.
func (s *ProposalStore) Chain(id string) []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chain []Proposal
	for id != "" {
		p, ok := s.byID[id]
		if !ok {
			break
		}
		chain = append(chain, p)
		id = p.PrevProposalID
	}
	return chain
}

// Len returns the number of proposals recorded.
func (s *ProposalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// All returns proposals in insertion order.
func (s *ProposalStore) All() []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Proposal, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
