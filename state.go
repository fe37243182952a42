package casc

// State is a stage of the loading pipeline.
type State uint8

// Pipeline states in the order a run passes through them. Cancelled and
// Failed are terminal and reachable from any non-terminal state.
const (
	StateIdle State = iota
	StateConfigLoading
	StateBuildSelecting
	StateOpening
	StateRootFlagSetup
	StateNameListLoading
	StateSupplementalNameResolution
	StateInstallMerge
	StateDone
	StateCancelled
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigLoading:
		return "loading config"
	case StateBuildSelecting:
		return "selecting build"
	case StateOpening:
		return "opening storage"
	case StateRootFlagSetup:
		return "setting flags"
	case StateNameListLoading:
		return "loading list file"
	case StateSupplementalNameResolution:
		return "resolving names"
	case StateInstallMerge:
		return "merging install"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// ProgressEvent is a status update of a run.
type ProgressEvent struct {
	// State is the stage the run is in.
	State State

	// Percent is the overall progress, 0 to 100.
	Percent int

	// Message describes the current step. May be empty.
	Message string
}

// ProgressFunc receives progress events of a synchronous load.
type ProgressFunc func(ProgressEvent)
