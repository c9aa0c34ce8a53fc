package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna/internal/store"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarioGolden(t *testing.T) {
	names := []string{
		"payu-single-activity",
		"idle-agreement",
		"requestor-unreachable",
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			s := loadTestScenario(t, name)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "expectation failures: %v", result.Errors)

			require.NoError(t, AssertGolden(t, s.Name, result))
		})
	}
}

func TestRunPersistsSettlementTrace(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	s := loadTestScenario(t, "payu-single-activity")
	result, err := RunWithStore(s, st)
	require.NoError(t, err)
	require.True(t, result.Pass, "expectation failures: %v", result.Errors)

	ctx := context.Background()
	trace, err := st.ReadTrace(ctx, result.Summary.AgreementID)
	require.NoError(t, err)

	assert.Equal(t, "Terminated", trace.Agreement.State)
	assert.Equal(t, "Work done", trace.Agreement.TerminationReason)
	require.Len(t, trace.Activities, 1)
	assert.Equal(t, "Destroyed", trace.Activities[0].State)
	assert.Len(t, trace.DebitNotes, 3)
	require.NotNil(t, trace.Invoice)
	assert.Equal(t, "0", trace.Invoice.Amount.String())
	assert.Len(t, trace.Payments, 4)
}

func TestRunReportsExpectationMismatch(t *testing.T) {
	s := loadTestScenario(t, "payu-single-activity")
	s.Expect.PaidTotal = "2"

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "paid_total")
}

func TestRunRejectsUnknownStep(t *testing.T) {
	s := loadTestScenario(t, "payu-single-activity")
	s.Flow = append(s.Flow, FlowStep{Step: "explode"})

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestRunDeterministic(t *testing.T) {
	s := loadTestScenario(t, "payu-single-activity")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Summary, second.Summary)
}
