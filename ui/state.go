package ui

type state int

const (
	stateIdle state = iota
	stateHoming
	stateRunning
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateHoming:
		return "Homing"
	case stateRunning:
		return "Running"
	case stateDone:
		return "Done"
	case stateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// busy tells if a motion command is in progress and the run buttons must stay disabled
func (s state) busy() bool {
	return s == stateHoming || s == stateRunning
}
