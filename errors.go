package datascope

import "errors"

// Denials are results, not errors: CheckAccess reports a refused request
// through PermissionCheckResult.Granted. The sentinel errors below cover the
// cases that must surface to the caller instead of being folded into a denial.
var (
	// ErrUpstreamUnavailable marks a failed or timed-out call to the
	// permission or team membership source. Evaluation treats it as a
	// denial (fail closed) but logs and wraps it so operators can tell
	// an outage apart from a policy refusal.
	ErrUpstreamUnavailable = errors.New("upstream source unavailable")

	// ErrInvalidRequest marks a malformed access request: empty subject,
	// account or data type, an unknown action, or an inverted date range.
	ErrInvalidRequest = errors.New("invalid access request")
)
