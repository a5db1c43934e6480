package llm

// TaskType classifies a gateway call for model routing.
type TaskType string

const (
	TaskResearch  TaskType = "research"
	TaskAnalysis  TaskType = "analysis"
	TaskDecompose TaskType = "decompose"
	TaskCode      TaskType = "code"
	TaskDebug     TaskType = "debug"
)

// DefaultRouterThreshold is the prompt length below which simple work goes to the fast model.
const DefaultRouterThreshold = 3000

// Router picks a model tier from task type and prompt length.
type Router struct {
	Threshold int
}

// Select returns the tier for a call. Research always uses the fast model;
// code generation and debugging always use the strong one; analysis and
// decomposition depend on prompt size.
func (r Router) Select(task TaskType, promptLen int) Tier {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultRouterThreshold
	}
	switch task {
	case TaskResearch:
		return TierFast
	case TaskCode, TaskDebug:
		return TierStrong
	default:
		if promptLen < threshold {
			return TierFast
		}
		return TierStrong
	}
}
