package domain

// PipelineState: состояния конвейера команды:
// Started → PolicyResolved → KeyDerived → Submitted → Recorded → Done, Failed: из любого.
type PipelineState string

const (
	StateStarted        PipelineState = "STARTED"
	StatePolicyResolved PipelineState = "POLICY_RESOLVED"
	StateKeyDerived     PipelineState = "KEY_DERIVED"
	StateSubmitted      PipelineState = "SUBMITTED"
	StateRecorded       PipelineState = "RECORDED"
	StateDone           PipelineState = "DONE"
	StateFailed         PipelineState = "FAILED"
)

var nextState = map[PipelineState]PipelineState{
	StateStarted:        StatePolicyResolved,
	StatePolicyResolved: StateKeyDerived,
	StateKeyDerived:     StateSubmitted,
	StateSubmitted:      StateRecorded,
	StateRecorded:       StateDone,
}

// CanTransitionTo проверяет правила конечного автомата. Переходы строго последовательные.
func (s PipelineState) CanTransitionTo(next PipelineState) bool {
	if s == StateDone || s == StateFailed {
		return false
	}
	if next == StateFailed {
		return true
	}
	// Повтор уже записанной операции: реестр не вызывается, запись уже есть
	if s == StateKeyDerived && next == StateDone {
		return true
	}
	return nextState[s] == next
}

// Successful: успехом считаются только Recorded и Done.
func (s PipelineState) Successful() bool {
	return s == StateRecorded || s == StateDone
}

// Cancellable: до начала Submitted отмена не оставляет побочных эффектов.
func (s PipelineState) Cancellable() bool {
	switch s {
	case StateStarted, StatePolicyResolved, StateKeyDerived:
		return true
	}
	return false
}
