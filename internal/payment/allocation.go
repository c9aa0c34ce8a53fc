package payment

import (
	"log/slog"
	"sync"
	"time"

	"github.com/golemfactory/yagna/internal/ids"
	"github.com/golemfactory/yagna/internal/protocol"
)

// Deposit describes an external escrow instrument backing allocations.
// An allocation references at most one deposit.
type Deposit struct {
	ID       string
	Contract string
	Capacity Amount
}

type depositState struct {
	Deposit
	reserved Amount
}

func (d *depositState) remaining() Amount {
	return d.Capacity.Sub(d.reserved)
}

// Allocation is a reservation of funds against a payment platform balance
// or a deposit. Invariant: remaining = total − spent ≥ 0 at every
// observable instant.
type Allocation struct {
	mu        sync.Mutex
	id        string
	platform  string
	total     Amount
	spent     Amount
	released  bool      // set when the remainder went back to the backing balance
	expiresAt time.Time // zero = never
	depositID string
}

// ID returns the allocation id.
func (al *Allocation) ID() string { return al.id }

// Platform returns the payment platform the funds were reserved against.
func (al *Allocation) Platform() string { return al.platform }

// DepositID returns the backing deposit id, empty for balance-backed
// allocations.
func (al *Allocation) DepositID() string { return al.depositID }

// Total returns the reserved total.
func (al *Allocation) Total() Amount {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.total
}

// Spent returns the spent portion.
func (al *Allocation) Spent() Amount {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.spent
}

// Remaining returns total − spent.
func (al *Allocation) Remaining() Amount {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.total.Sub(al.spent)
}

// CreateRequest describes an allocation to reserve.
type CreateRequest struct {
	// Platform selects the balance to reserve against. Ignored when
	// Deposits is non-empty.
	Platform string

	// Total is the amount to reserve. Must be positive.
	Total Amount

	// Timeout auto-releases the allocation after the given duration.
	// Zero means no timeout.
	Timeout time.Duration

	// Deposits lists candidate deposit ids, tried in order. The first
	// deposit with enough remaining capacity carries the reservation.
	Deposits []string
}

// Ledger tracks funds reserved against payment platforms and deposits.
//
// The ledger is the only mutable state shared by concurrent billing tasks
// across agreements on the same platform: all mutations go through
// Create/Spend/Release. Spend serializes per allocation id, so a billing
// task cancelled mid-flight never leaves an allocation partially spent.
//
// The deposit list is threaded through construction explicitly; there is
// no process-wide deposit state.
type Ledger struct {
	mu        sync.Mutex
	available map[string]Amount
	deposits  []*depositState
	byDeposit map[string]*depositState
	allocs    map[string]*Allocation

	idGen ids.Generator
	clock func() time.Time
}

// LedgerOption configures ledger parameters.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides wall-clock reads (deterministic expiry in tests).
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// WithLedgerIDGenerator overrides id generation.
func WithLedgerIDGenerator(g ids.Generator) LedgerOption {
	return func(l *Ledger) {
		l.idGen = g
	}
}

// NewLedger creates a ledger over the given platform balances and
// candidate deposits.
func NewLedger(balances map[string]Amount, deposits []Deposit, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		available: make(map[string]Amount, len(balances)),
		byDeposit: make(map[string]*depositState, len(deposits)),
		allocs:    make(map[string]*Allocation),
		idGen:     ids.UUIDv7Generator{},
		clock:     time.Now,
	}
	for platform, balance := range balances {
		l.available[platform] = balance
	}
	for _, d := range deposits {
		ds := &depositState{Deposit: d}
		l.deposits = append(l.deposits, ds)
		l.byDeposit[d.ID] = ds
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Available returns the unreserved balance of a platform.
func (l *Ledger) Available(platform string) Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return l.available[platform]
}

// Create validates and reserves a new allocation.
//
// Balance-backed: Total must not exceed the platform's unreserved balance,
// otherwise ValidationError (surfaced to the caller, never retried).
// Deposit-backed: candidates are tried in order; if every one is
// exhausted, NoUsableDeposit.
func (l *Ledger) Create(req CreateRequest) (*Allocation, error) {
	if req.Total.Negative() || req.Total.IsZero() {
		return nil, protocol.Errorf(protocol.CodeValidation, "allocation total must be positive, got %s", req.Total)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	al := &Allocation{
		id:       l.idGen.Generate(),
		platform: req.Platform,
		total:    req.Total,
	}
	if req.Timeout > 0 {
		al.expiresAt = l.clock().Add(req.Timeout)
	}

	if len(req.Deposits) > 0 {
		var chosen *depositState
		for _, id := range req.Deposits {
			ds, ok := l.byDeposit[id]
			if !ok {
				continue
			}
			if ds.remaining().Cmp(req.Total) >= 0 {
				chosen = ds
				break
			}
		}
		if chosen == nil {
			return nil, protocol.Errorf(protocol.CodeNoUsableDeposit,
				"no deposit among %d candidates can hold %s", len(req.Deposits), req.Total)
		}
		chosen.reserved = chosen.reserved.Add(req.Total)
		al.depositID = chosen.ID
	} else {
		balance, ok := l.available[req.Platform]
		if !ok {
			return nil, protocol.Errorf(protocol.CodeValidation, "unknown payment platform %q", req.Platform)
		}
		if req.Total.Cmp(balance) > 0 {
			return nil, protocol.Errorf(protocol.CodeValidation,
				"allocation %s exceeds available balance %s on %s", req.Total, balance, req.Platform)
		}
		l.available[req.Platform] = balance.Sub(req.Total)
	}

	l.allocs[al.id] = al
	slog.Info("allocation created",
		"allocation", al.id,
		"platform", al.platform,
		"total", al.total.String(),
		"deposit", al.depositID,
	)
	return al, nil
}

// Get returns a live allocation. Expired or released allocations are
// NotFound.
func (l *Ledger) Get(id string) (*Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	al, ok := l.allocs[id]
	if !ok {
		return nil, &protocol.Error{
			Code:     protocol.CodeNotFound,
			Message:  "unknown, released or expired allocation",
			EntityID: id,
		}
	}
	return al, nil
}

// Spend consumes amount from the allocation and returns the new remaining.
//
// Atomic per allocation id: concurrent spends against the same allocation
// serialize, and a failed spend leaves the allocation untouched.
func (l *Ledger) Spend(id string, amount Amount) (Amount, error) {
	if amount.Negative() {
		return Amount{}, protocol.Errorf(protocol.CodeValidation, "spend amount must not be negative, got %s", amount)
	}
	al, err := l.Get(id)
	if err != nil {
		return Amount{}, err
	}
	return al.spend(amount)
}

// spend consumes amount under the allocation lock. A release or expiry
// sweep can land between the ledger lookup and this lock; the released
// flag rejects such a spend, since the remainder has already been
// returned to the backing balance.
func (al *Allocation) spend(amount Amount) (Amount, error) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.released {
		return Amount{}, &protocol.Error{
			Code:     protocol.CodeNotFound,
			Message:  "unknown, released or expired allocation",
			EntityID: al.id,
		}
	}
	remaining := al.total.Sub(al.spent)
	if amount.Cmp(remaining) > 0 {
		return Amount{}, &protocol.Error{
			Code:     protocol.CodeInsufficientFunds,
			Message:  "spend " + amount.String() + " exceeds remaining " + remaining.String(),
			EntityID: al.id,
		}
	}
	al.spent = al.spent.Add(amount)
	return al.total.Sub(al.spent), nil
}

// refund reverses a spend whose downstream delivery failed, restoring the
// allocation invariant before the caller retries or escalates.
func (l *Ledger) refund(id string, amount Amount) {
	al, err := l.Get(id)
	if err != nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.released {
		return
	}
	al.spent = al.spent.Sub(amount)
	if al.spent.Negative() {
		al.spent = AmountZero
	}
}

// Release deletes an allocation and returns its unspent remainder to the
// backing balance or deposit. Releasing an unknown id is NotFound.
func (l *Ledger) Release(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	al, ok := l.allocs[id]
	if !ok {
		return &protocol.Error{
			Code:     protocol.CodeNotFound,
			Message:  "unknown, released or expired allocation",
			EntityID: id,
		}
	}
	l.releaseLocked(al)
	return nil
}

// Sweep releases every allocation past its timeout. Expiry is also
// applied lazily on access, so calling Sweep is optional.
func (l *Ledger) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
}

func (l *Ledger) sweepLocked() {
	now := l.clock()
	for _, al := range l.allocs {
		if !al.expiresAt.IsZero() && now.After(al.expiresAt) {
			slog.Info("allocation expired", "allocation", al.id)
			l.releaseLocked(al)
		}
	}
}

func (l *Ledger) releaseLocked(al *Allocation) {
	al.mu.Lock()
	al.released = true
	unspent := al.total.Sub(al.spent)
	al.mu.Unlock()

	if al.depositID != "" {
		if ds, ok := l.byDeposit[al.depositID]; ok {
			ds.reserved = ds.reserved.Sub(unspent)
		}
	} else {
		l.available[al.platform] = l.available[al.platform].Add(unspent)
	}
	delete(l.allocs, al.id)
	slog.Debug("allocation released", "allocation", al.id, "returned", unspent.String())
}
