package tracker

// Lifecycle stage names.
const (
	StagePurchase   = "purchase"
	StageAdjustment = "adjustment"
	StageChange     = "change"
	StageSuspend    = "suspend"
	StageResume     = "resume"
	StageCancel     = "cancel"
)

// StageOrder is the fixed lifecycle sequence. A run is structurally
// complete once every stage has a checked step.
var StageOrder = []string{
	StagePurchase,
	StageAdjustment,
	StageChange,
	StageSuspend,
	StageResume,
	StageCancel,
}

// TotalStages is the number of steps a finished run carries.
var TotalStages = len(StageOrder)

// StageAt returns the stage name at the given zero-based position in
// the lifecycle order, or "" when the position is out of range.
func StageAt(pos int) string {
	if pos < 0 || pos >= len(StageOrder) {
		return ""
	}

	return StageOrder[pos]
}

// IsStage reports whether name is a known lifecycle stage.
func IsStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}

	return false
}
