package agreement

import (
	"log/slog"
	"sync"
	"time"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/market"
	"github.com/golemfactory/yagna/internal/protocol"
)

// Registry owns all agreements of a node and fans lifecycle events out to
// observers (the supervisor, the billing engine, the settlement store).
type Registry struct {
	mu           sync.Mutex
	agreements   map[string]*Agreement
	fromProposal map[string]string // proposal id -> agreement id

	observers []Observer
	idGen     ids.Generator
	actGen    ids.Generator
	clock     func() time.Time
}

// RegistryOption configures registry parameters.
type RegistryOption func(*Registry)

// WithIDGenerator overrides agreement id generation (deterministic ids in
// tests).
func WithIDGenerator(g ids.Generator) RegistryOption {
	return func(r *Registry) {
		r.idGen = g
	}
}

// WithActivityIDGenerator overrides activity id generation, keeping
// activity ids distinguishable from agreement ids in traces.
func WithActivityIDGenerator(g ids.Generator) RegistryOption {
	return func(r *Registry) {
		r.actGen = g
	}
}

// WithClock overrides wall-clock reads (deterministic time in tests).
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

// NewRegistry creates an empty agreement registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		agreements:   make(map[string]*Agreement),
		fromProposal: make(map[string]string),
		idGen:        ids.UUIDv7Generator{},
		actGen:       ids.UUIDv7Generator{},
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe registers an observer for lifecycle events of every agreement.
// Must be called before agreements are created.
func (r *Registry) Observe(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Create converts a converged proposal into a Pending agreement.
//
// Guards: the proposal must be provider-issued (the fixed point of a
// negotiation) and not already bound to an agreement; double creation is
// a Conflict.
func (r *Registry) Create(proposal market.Proposal, requestor, provider string) (*Agreement, error) {
	if proposal.Issuer != market.IssuerProvider {
		return nil, &protocol.Error{
			Code:     protocol.CodeValidation,
			Message:  "agreement requires the provider's converged proposal",
			EntityID: proposal.ID,
		}
	}

	r.mu.Lock()
	if agrID, exists := r.fromProposal[proposal.ID]; exists {
		r.mu.Unlock()
		return nil, &protocol.Error{
			Code:        protocol.CodeConflict,
			Message:     "proposal already bound to an agreement",
			AgreementID: agrID,
			EntityID:    proposal.ID,
		}
	}

	a := &Agreement{
		id:         r.idGen.Generate(),
		proposal:   proposal,
		requestor:  requestor,
		provider:   provider,
		state:      StatePending,
		createdAt:  r.clock(),
		multi:      proposal.Props.MultiActivityEnabled(),
		activities: make(map[string]*Activity),
		clock:      r.clock,
		actGen:     r.actGen,
		notify:     r.publish,
	}
	r.agreements[a.id] = a
	r.fromProposal[proposal.ID] = a.id
	r.mu.Unlock()

	slog.Info("agreement created",
		"agreement", a.id,
		"proposal", proposal.ID,
		"requestor", requestor,
		"provider", provider,
		"multi_activity", a.multi,
	)
	r.publish(Event{Kind: EventCreated, AgreementID: a.id, Time: a.createdAt})
	return a, nil
}

// Get returns an agreement by id.
func (r *Registry) Get(id string) (*Agreement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agreements[id]
	if !ok {
		return nil, &protocol.Error{
			Code:        protocol.CodeNotFound,
			Message:     "unknown agreement",
			AgreementID: id,
		}
	}
	return a, nil
}

// publish delivers an event to every observer in registration order.
// Called outside agreement locks.
func (r *Registry) publish(ev Event) {
	r.mu.Lock()
	obs := make([]Observer, len(r.observers))
	copy(obs, r.observers)
	r.mu.Unlock()

	for _, o := range obs {
		o(ev)
	}
}
