package exec

type State string

type Event string

const (
	StateInit           State = "init"
	StateBalanceCheck   State = "balance_check"
	StateSizeCalc       State = "size_calc"
	StateSubmitBoth     State = "submit_both"
	StateCommitted      State = "committed"
	StateAborted        State = "aborted"
	StatePartialFailure State = "partial_failure"
)

const (
	EventLocked       Event = "LOCKED"
	EventBalanceOK    Event = "BALANCE_OK"
	EventSized        Event = "SIZED"
	EventBothFilled   Event = "BOTH_FILLED"
	EventBothRejected Event = "BOTH_REJECTED"
	EventOneSided     Event = "ONE_SIDED"
	EventAbort        Event = "ABORT"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted || s == StatePartialFailure
}

// StateMachine tracks one execution round. Invalid events leave the state
// unchanged.
type StateMachine struct {
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateInit}
}

func (s *StateMachine) Apply(event Event) State {
	s.State = nextState(s.State, event)
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateInit:
		if event == EventLocked {
			return StateBalanceCheck
		}
	case StateBalanceCheck:
		if event == EventBalanceOK {
			return StateSizeCalc
		}
		if event == EventAbort {
			return StateAborted
		}
	case StateSizeCalc:
		if event == EventSized {
			return StateSubmitBoth
		}
		if event == EventAbort {
			return StateAborted
		}
	case StateSubmitBoth:
		switch event {
		case EventBothFilled:
			return StateCommitted
		case EventBothRejected:
			return StateAborted
		case EventOneSided:
			return StatePartialFailure
		}
	}
	return current
}
