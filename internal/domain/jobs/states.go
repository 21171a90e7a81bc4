package jobs

// State enum untuk Job lifecycle
type State string

const (
	StatePending     State = "PENDING"
	StateClassifying State = "CLASSIFYING"
	StateResearching State = "RESEARCHING"
	StateAggregating State = "AGGREGATING"
	StateNarrating   State = "NARRATING"
	StateValidating  State = "VALIDATING"
	StateFiling      State = "FILING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions is the full edge set of the pipeline state machine.
// FAILED and CANCELLED are additionally reachable from every
// non-terminal state; CanTransition handles those edges.
var transitions = map[State][]State{
	StatePending:     {StateClassifying},
	StateClassifying: {StateResearching, StateAggregating},
	StateResearching: {StateAggregating},
	StateAggregating: {StateNarrating},
	StateNarrating:   {StateValidating},
	StateValidating:  {StateFiling, StateNarrating},
	StateFiling:      {StateCompleted},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
