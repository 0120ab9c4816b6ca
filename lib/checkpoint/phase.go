package checkpoint

// Kind selects how the log's mutable region is made durable at
// PERSISTENCE_CALLBACK.
type Kind int

const (
	// KindFuzzy waits for every page strictly below the cut to finish
	// its ordinary flush to the device - cheap, but the mutable region
	// above the cut is not itself captured; only a replay from the
	// logical cut can reconstruct anything written after it.
	KindFuzzy Kind = iota
	// KindSnapshot additionally copies the records of the mutable
	// region just below the cut, [ReadOnlyAddress, cut), to a side
	// file, which recovery applies over the fuzzy index snapshot.
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindFuzzy:
		return "fuzzy"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Phase is one step of the checkpoint state machine.
type Phase int

const (
	PhaseRest Phase = iota
	PhasePrepare
	PhaseInProgress
	PhaseWaitPending
	PhaseWaitFlush
	PhasePersistenceCallback
)

func (p Phase) String() string {
	switch p {
	case PhaseRest:
		return "REST"
	case PhasePrepare:
		return "PREPARE"
	case PhaseInProgress:
		return "IN_PROGRESS"
	case PhaseWaitPending:
		return "WAIT_PENDING"
	case PhaseWaitFlush:
		return "WAIT_FLUSH"
	case PhasePersistenceCallback:
		return "PERSISTENCE_CALLBACK"
	default:
		return "UNKNOWN"
	}
}
