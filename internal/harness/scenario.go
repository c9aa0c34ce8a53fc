package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a settlement conformance scenario: a demand, a set of
// provider offers, requestor funds, billing knobs and a scripted flow of
// protocol steps, with expectations on the final settlement state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Demand is the requestor side of the negotiation.
	Demand DemandSpec `yaml:"demand"`

	// Offers lists the provider proposals on the simulated market.
	Offers []OfferSpec `yaml:"offers"`

	// Funds seeds the requestor's payment platform balance.
	Funds string `yaml:"funds"`

	// Deposits lists third-party deposits available to allocations.
	Deposits []DepositSpec `yaml:"deposits,omitempty"`

	// Allocation describes the allocation backing the agreement.
	Allocation AllocationSpec `yaml:"allocation"`

	// Billing overrides the billing cadence (seconds). Zero fields keep
	// the defaults derived from the negotiated properties.
	Billing BillingSpec `yaml:"billing,omitempty"`

	// CostPerTick is the amount the usage meter accrues per tick step.
	CostPerTick string `yaml:"cost_per_tick"`

	// Flow is the scripted protocol interaction.
	Flow []FlowStep `yaml:"flow"`

	// Expect validates the final settlement state.
	Expect ExpectClause `yaml:"expect"`
}

// DemandSpec mirrors a published demand.
type DemandSpec struct {
	Properties  map[string]string `yaml:"properties"`
	Constraints string            `yaml:"constraints,omitempty"`
}

// OfferSpec mirrors a provider offer on the simulated market.
type OfferSpec struct {
	Provider    string            `yaml:"provider"`
	Properties  map[string]string `yaml:"properties"`
	Constraints string            `yaml:"constraints,omitempty"`
}

// DepositSpec seeds a third-party deposit.
type DepositSpec struct {
	ID       string `yaml:"id"`
	Contract string `yaml:"contract"`
	Capacity string `yaml:"capacity"`
}

// AllocationSpec describes the allocation created before billing starts.
type AllocationSpec struct {
	Total      string   `yaml:"total"`
	TimeoutSec int64    `yaml:"timeout_sec,omitempty"`
	Deposits   []string `yaml:"deposits,omitempty"`
}

// BillingSpec overrides billing cadence, in seconds.
type BillingSpec struct {
	DebitNoteIntervalSec int64 `yaml:"debit_note_interval_sec,omitempty"`
	AcceptTimeoutSec     int64 `yaml:"accept_timeout_sec,omitempty"`
	PaymentIntervalSec   int64 `yaml:"payment_interval_sec,omitempty"`
}

// FlowStep is one scripted protocol step.
//
// Step kinds:
//   - confirm: requestor confirms the agreement
//   - approve: provider approves (within the approval window)
//   - create_activity, start_activity, destroy_activity
//   - tick: advance the clock one debit-note interval, issue the note,
//     deliver it, accept it and pay (repeated Count times)
//   - peer_down / peer_up: toggle requestor reachability
//   - supervise: run one watchdog deadline check
//   - advance: move the clock forward by Seconds without billing
//   - terminate: end the agreement with Reason
//   - invoice / settle: final invoice issue and settlement
type FlowStep struct {
	Step    string `yaml:"step"`
	Count   int    `yaml:"count,omitempty"`
	Seconds int64  `yaml:"seconds,omitempty"`
	Reason  string `yaml:"reason,omitempty"`

	// Activity selects the target activity by creation index (default 0).
	Activity int `yaml:"activity,omitempty"`
}

// ExpectClause validates the final settlement state. String amounts keep
// YAML from mangling decimals; empty fields are not checked.
type ExpectClause struct {
	AgreementState    string `yaml:"agreement_state,omitempty"`
	TerminationReason string `yaml:"termination_reason,omitempty"`
	InvoiceStatus     string `yaml:"invoice_status,omitempty"`
	Notes             *int   `yaml:"notes,omitempty"`
	PaidTotal         string `yaml:"paid_total,omitempty"`
	ReceivedTotal     string `yaml:"received_total,omitempty"`
	AllocationSpent   string `yaml:"allocation_spent,omitempty"`
}

// Step kind constants.
const (
	StepConfirm         = "confirm"
	StepApprove         = "approve"
	StepCreateActivity  = "create_activity"
	StepStartActivity   = "start_activity"
	StepDestroyActivity = "destroy_activity"
	StepTick            = "tick"
	StepPeerDown        = "peer_down"
	StepPeerUp          = "peer_up"
	StepSupervise       = "supervise"
	StepAdvance         = "advance"
	StepTerminate       = "terminate"
	StepInvoice         = "invoice"
	StepSettle          = "settle"
)

var knownSteps = map[string]bool{
	StepConfirm:         true,
	StepApprove:         true,
	StepCreateActivity:  true,
	StepStartActivity:   true,
	StepDestroyActivity: true,
	StepTick:            true,
	StepPeerDown:        true,
	StepPeerUp:          true,
	StepSupervise:       true,
	StepAdvance:         true,
	StepTerminate:       true,
	StepInvoice:         true,
	StepSettle:          true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation
// (catches typos like "expects:" vs "expect:").
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Offers) == 0 {
		return fmt.Errorf("offers list is required and must be non-empty")
	}
	for i, offer := range s.Offers {
		if offer.Provider == "" {
			return fmt.Errorf("offers[%d]: provider is required", i)
		}
	}
	if s.Funds == "" && len(s.Deposits) == 0 {
		return fmt.Errorf("funds or deposits are required")
	}
	if s.Allocation.Total == "" {
		return fmt.Errorf("allocation.total is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, dep := range s.Deposits {
		if dep.ID == "" || dep.Capacity == "" {
			return fmt.Errorf("deposits[%d]: id and capacity are required", i)
		}
	}

	for i, step := range s.Flow {
		if step.Step == "" {
			return fmt.Errorf("flow[%d]: step is required", i)
		}
		if !knownSteps[step.Step] {
			return fmt.Errorf("flow[%d]: unknown step %q", i, step.Step)
		}
		if step.Count < 0 {
			return fmt.Errorf("flow[%d]: count must be non-negative", i)
		}
		if step.Step == StepAdvance && step.Seconds <= 0 {
			return fmt.Errorf("flow[%d]: advance requires positive seconds", i)
		}
		if step.Step == StepTerminate && step.Reason == "" {
			return fmt.Errorf("flow[%d]: terminate requires a reason", i)
		}
	}
	return nil
}
