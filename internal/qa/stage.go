package qa

// Stage is a step in the per-request pipeline. Every request ends in
// StageReturned or fails at some earlier stage.
type Stage int

const (
	StageReceived Stage = iota
	StageIdentityResolved
	StageContextAugmented
	StageEmbedded
	StageSearched
	StageRecorded
	StageReturned
)

var stageNames = [...]string{
	StageReceived:         "received",
	StageIdentityResolved: "identity_resolved",
	StageContextAugmented: "context_augmented",
	StageEmbedded:         "embedded",
	StageSearched:         "searched",
	StageRecorded:         "recorded",
	StageReturned:         "returned",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
