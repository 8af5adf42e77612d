package agent

import "context"

// StepRequest is the input for one generation step.
type StepRequest struct {
	SessionKey string
	TurnID     string
	Step       int      // 1-based step number within the turn
	Input      string   // user message that started the turn (step 1 only)
	Steering   []string // guidance injected at this step boundary, arrival order
}

// StepResult is the output of one generation step.
type StepResult struct {
	Content string // assistant output for this step
	Done    bool   // true when the generator considers the turn complete
}

// Generator produces assistant output one step at a time. A turn is a
// sequence of steps; between steps the executor may inject steering
// guidance. Implementations wrap an LLM provider, a subprocess, or a
// remote runtime — the loop only cares about the step boundary.
type Generator interface {
	Step(ctx context.Context, req StepRequest) (*StepResult, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req StepRequest) (*StepResult, error)

func (f GeneratorFunc) Step(ctx context.Context, req StepRequest) (*StepResult, error) {
	return f(ctx, req)
}
