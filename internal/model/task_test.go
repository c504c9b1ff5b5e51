package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	task := NewTask(Entity{ID: "acme", Name: "Acme Corp", Domain: "acme.com"})
	assert.Equal(t, TaskStatePending, task.State)

	require.NoError(t, task.Begin())
	assert.Equal(t, TaskStateInFlight, task.State)

	require.NoError(t, task.Finish(TaskStateDelivered, OutcomeSuccess))
	assert.Equal(t, TaskStateDelivered, task.State)
	assert.True(t, task.State.Terminal())
}

func TestTaskNoTransitionOutOfTerminal(t *testing.T) {
	task := NewTask(Entity{ID: "acme", Name: "Acme"})
	require.NoError(t, task.Begin())
	require.NoError(t, task.Finish(TaskStateFailed, OutcomeUnreachable))

	assert.ErrorIs(t, task.Begin(), ErrTerminalState)
	assert.ErrorIs(t, task.Finish(TaskStateDelivered, OutcomeSuccess), ErrTerminalState)
	assert.Equal(t, TaskStateFailed, task.State)
	assert.Equal(t, OutcomeUnreachable, task.Outcome)
}

func TestTaskFinishRejectsNonTerminalState(t *testing.T) {
	task := NewTask(Entity{ID: "acme", Name: "Acme"})
	assert.Error(t, task.Finish(TaskStateInFlight, OutcomeSuccess))
}

func TestTaskFailureKindSetOnFailure(t *testing.T) {
	task := NewTask(Entity{ID: "x", Name: "X"})
	require.NoError(t, task.Begin())
	require.NoError(t, task.Finish(TaskStateFailed, OutcomeDeliveryFailed))
	assert.Equal(t, OutcomeDeliveryFailed, task.FailureKind)

	ok := NewTask(Entity{ID: "y", Name: "Y"})
	require.NoError(t, ok.Begin())
	require.NoError(t, ok.Finish(TaskStateDelivered, OutcomeSuccess))
	assert.Empty(t, ok.FailureKind)
}

func TestTaskTotalCost(t *testing.T) {
	task := NewTask(Entity{ID: "acme", Name: "Acme"})
	task.RecordAttempt(ProviderAttempt{Provider: "scraper", Attempt: 1, CostUSD: 0.002})
	task.RecordAttempt(ProviderAttempt{Provider: "deep-research", Attempt: 1, CostUSD: 0.45})

	assert.InDelta(t, 0.452, task.TotalCost(), 1e-9)
	assert.Equal(t, "deep-research", task.LastProvider)
	assert.Len(t, task.Attempts, 2)
}

func TestCleanDomain(t *testing.T) {
	cases := map[string]string{
		"https://www.Acme.com/":       "acme.com",
		"http://acme.com/about?x=1":   "acme.com",
		"acme.io":                     "acme.io",
		"  https://sub.acme.co.uk/x ": "sub.acme.co.uk",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanDomain(in), "input %q", in)
	}
}

func TestEntityValid(t *testing.T) {
	assert.True(t, Entity{ID: "1", Name: "Acme"}.Valid())
	assert.True(t, Entity{ID: "1", Domain: "acme.com"}.Valid())
	assert.False(t, Entity{Name: "Acme"}.Valid())
	assert.False(t, Entity{ID: "1"}.Valid())
}
