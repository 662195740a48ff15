package datascope

import "context"

// AccessExplanation pairs a decision with the ordered evaluation steps that
// produced it.
type AccessExplanation struct {
	Result *PermissionCheckResult `json:"result"`
	Steps  []string               `json:"steps"`
}

// ExplainAccess runs the same gate ladder as CheckAccess but records every
// step and bypasses the decision cache in both directions, so the trace
// always reflects a full evaluation against live sources.
func (e *Engine) ExplainAccess(ctx context.Context, req AccessRequest) (*AccessExplanation, error) {
	steps := make([]string, 0, 8)
	result, err := e.evaluate(ctx, req, &steps)
	if err != nil {
		return nil, err
	}
	return &AccessExplanation{Result: result, Steps: steps}, nil
}
