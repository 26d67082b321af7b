package orchestrator

import "context"

// CallbackFunc is one orchestrator lifecycle hook. It may itself await
// suspension-capable work (e.g. a persistence write); the orchestrator
// awaits each registered hook in declaration order before moving on, per
// spec.md §4.6's "Callbacks" paragraph.
type CallbackFunc func(ctx context.Context, payload map[string]any) error

// Callback names recognized by Orchestrator.On.
const (
	CallbackStageStarted            = "stage_started"
	CallbackResearchComplete        = "research_complete"
	CallbackDesignComplete          = "design_complete"
	CallbackCoderFinished           = "coder_finished"
	CallbackReviewStarted           = "review_started"
	CallbackReviewFinished          = "review_finished"
	CallbackReviewResult            = "review_result"
	CallbackLLMUsage                = "llm_usage"
	CallbackLLMError                = "llm_error"
	CallbackStageFailed             = "stage_failed"
	CallbackClarificationRequested  = "clarification_requested"
)

// On registers fn to run whenever name fires. Multiple hooks for the
// same name all run, in registration order.
func (o *Orchestrator) On(name string, fn CallbackFunc) {
	if o.callbacks == nil {
		o.callbacks = make(map[string][]CallbackFunc)
	}
	o.callbacks[name] = append(o.callbacks[name], fn)
}

func (o *Orchestrator) emit(ctx context.Context, name string, payload map[string]any) error {
	for _, fn := range o.callbacks[name] {
		if err := fn(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}
