package manifest

// EvaluationErrorReason is the only reason on a Decision produced because the
// policy evaluator failed.
const EvaluationErrorReason = "policy evaluation error"

// Decision is the policy verdict for one Manifest under one profile.
type Decision struct {
	Profile string   `json:"profile"`
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons"`
}

// Deny returns a denying Decision. Reasons is never nil.
func Deny(profile string, reasons ...string) *Decision {
	if reasons == nil {
		reasons = []string{}
	}
	return &Decision{Profile: profile, Allow: false, Reasons: reasons}
}

// EvaluationFailed is the fail-closed Decision used whenever the evaluator
// cannot produce a verdict.
func EvaluationFailed(profile string) *Decision {
	return Deny(profile, EvaluationErrorReason)
}

// Status is the upload status reported for this Decision.
func (d *Decision) Status() string {
	if d != nil && d.Allow {
		return "ready"
	}
	return "blocked"
}
