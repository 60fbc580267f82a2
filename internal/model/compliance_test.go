package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/compliance-engine/internal/model"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]model.Status{
		{model.StatusPending, model.StatusLinked},
		{model.StatusPending, model.StatusPending},
		{model.StatusPending, model.StatusFailed},
		{model.StatusLinked, model.StatusSubmitting},
		{model.StatusLinked, model.StatusFailed},
		{model.StatusSubmitting, model.StatusSubmitting},
		{model.StatusSubmitting, model.StatusRegistered},
		{model.StatusSubmitting, model.StatusRejected},
		{model.StatusSubmitting, model.StatusFailed},
		{model.StatusFailed, model.StatusRegistered},
	}
	for _, edge := range allowed {
		assert.True(t, model.CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	denied := [][2]model.Status{
		{model.StatusPending, model.StatusSubmitting},
		{model.StatusLinked, model.StatusPending},
		{model.StatusRegistered, model.StatusSubmitting},
		{model.StatusRejected, model.StatusRegistered},
		{model.StatusRegistered, model.StatusFailed},
		{model.StatusFailed, model.StatusSubmitting},
	}
	for _, edge := range denied {
		assert.False(t, model.CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestComplianceRecord_Transition(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	rec := model.NewComplianceRecord(validInvoice(), now)

	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "inv-1", rec.InvoiceID)
	assert.Equal(t, "T1", rec.TenantID)

	later := now.Add(time.Second)
	require.NoError(t, rec.Transition(model.StatusLinked, later))
	assert.Equal(t, later, rec.UpdatedAt)

	err := rec.Transition(model.StatusRegistered, later)
	require.Error(t, err)
	assert.Equal(t, model.StatusLinked, rec.Status)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, model.StatusRegistered.IsTerminal())
	assert.True(t, model.StatusRejected.IsTerminal())
	assert.True(t, model.StatusFailed.IsTerminal())
	assert.False(t, model.StatusPending.IsTerminal())
	assert.False(t, model.StatusLinked.IsTerminal())
	assert.False(t, model.StatusSubmitting.IsTerminal())
}

func TestChainRecord_Head(t *testing.T) {
	var empty model.ChainRecord
	assert.Equal(t, "", empty.Head())

	h := "abc"
	assert.Equal(t, "abc", model.ChainRecord{LastHash: &h, LastSequence: 1}.Head())
}

func TestComplianceRecord_Clone(t *testing.T) {
	rec := model.NewComplianceRecord(validInvoice(), time.Now())
	rec.Attempts = []model.Attempt{{Number: 1, Outcome: model.OutcomeRetryable}}
	rec.VerificationCode.PNG = []byte{1, 2, 3}

	clone := rec.Clone()
	clone.Attempts[0].Outcome = model.OutcomeRegistered
	clone.VerificationCode.PNG[0] = 9

	assert.Equal(t, model.OutcomeRetryable, rec.Attempts[0].Outcome)
	assert.Equal(t, byte(1), rec.VerificationCode.PNG[0])
}
