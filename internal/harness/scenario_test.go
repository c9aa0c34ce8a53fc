package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: smallest valid scenario
demand:
  properties:
    "golem.com.payment.debit-notes.accept-timeout?": "10"
offers:
  - provider: provider-1
    properties:
      "golem.runtime.name": "vm"
funds: "1"
allocation:
  total: "1"
flow:
  - step: confirm
`

func TestParseScenarioMinimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "10", s.Demand.Properties["golem.com.payment.debit-notes.accept-timeout?"])
	require.Len(t, s.Offers, 1)
	assert.Equal(t, "provider-1", s.Offers[0].Provider)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, StepConfirm, s.Flow[0].Step)
}

func TestParseScenarioRejectsUnknownField(t *testing.T) {
	bad := minimalScenario + "expects:\n  paid_total: \"1\"\n"
	_, err := ParseScenario([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects")
}

func TestParseScenarioValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Scenario)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(s *Scenario) { s.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			mutate:  func(s *Scenario) { s.Description = "" },
			wantErr: "description is required",
		},
		{
			name:    "no offers",
			mutate:  func(s *Scenario) { s.Offers = nil },
			wantErr: "offers",
		},
		{
			name:    "offer without provider",
			mutate:  func(s *Scenario) { s.Offers[0].Provider = "" },
			wantErr: "provider is required",
		},
		{
			name:    "no funds or deposits",
			mutate:  func(s *Scenario) { s.Funds = "" },
			wantErr: "funds or deposits",
		},
		{
			name:    "missing allocation total",
			mutate:  func(s *Scenario) { s.Allocation.Total = "" },
			wantErr: "allocation.total",
		},
		{
			name:    "empty flow",
			mutate:  func(s *Scenario) { s.Flow = nil },
			wantErr: "flow",
		},
		{
			name:    "unknown step",
			mutate:  func(s *Scenario) { s.Flow[0].Step = "detonate" },
			wantErr: `unknown step "detonate"`,
		},
		{
			name:    "negative count",
			mutate:  func(s *Scenario) { s.Flow[0].Count = -1 },
			wantErr: "count must be non-negative",
		},
		{
			name:    "advance without seconds",
			mutate:  func(s *Scenario) { s.Flow[0] = FlowStep{Step: StepAdvance} },
			wantErr: "advance requires positive seconds",
		},
		{
			name:    "terminate without reason",
			mutate:  func(s *Scenario) { s.Flow[0] = FlowStep{Step: StepTerminate} },
			wantErr: "terminate requires a reason",
		},
		{
			name:    "deposit without capacity",
			mutate:  func(s *Scenario) { s.Deposits = []DepositSpec{{ID: "dep-1"}} },
			wantErr: "id and capacity are required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseScenario([]byte(minimalScenario))
			require.NoError(t, err)

			tc.mutate(s)
			err = validateScenario(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/does-not-exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
