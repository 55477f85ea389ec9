package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xela07ax/ledger-bridge/internal/domain"
)

func TestPipelineState_Transitions(t *testing.T) {
	path := []domain.PipelineState{
		domain.StateStarted,
		domain.StatePolicyResolved,
		domain.StateKeyDerived,
		domain.StateSubmitted,
		domain.StateRecorded,
		domain.StateDone,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransitionTo(path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.True(t, path[i].CanTransitionTo(domain.StateFailed), "%s -> FAILED", path[i])
	}

	// Пропуск шагов запрещен
	assert.False(t, domain.StateStarted.CanTransitionTo(domain.StateSubmitted))
	assert.False(t, domain.StatePolicyResolved.CanTransitionTo(domain.StateRecorded))
	assert.False(t, domain.StateSubmitted.CanTransitionTo(domain.StateDone))
	// Назад нельзя
	assert.False(t, domain.StateRecorded.CanTransitionTo(domain.StateSubmitted))

	// Повтор записанной операции
	assert.True(t, domain.StateKeyDerived.CanTransitionTo(domain.StateDone))

	// Терминальные состояния
	for _, s := range []domain.PipelineState{domain.StateDone, domain.StateFailed} {
		for _, next := range append(path, domain.StateFailed) {
			assert.False(t, s.CanTransitionTo(next), "%s -> %s", s, next)
		}
	}
}

func TestPipelineState_Flags(t *testing.T) {
	assert.True(t, domain.StateKeyDerived.Cancellable())
	assert.False(t, domain.StateSubmitted.Cancellable())
	assert.False(t, domain.StateRecorded.Cancellable())

	assert.True(t, domain.StateRecorded.Successful())
	assert.True(t, domain.StateDone.Successful())
	assert.False(t, domain.StateSubmitted.Successful())
	assert.False(t, domain.StateFailed.Successful())
}
