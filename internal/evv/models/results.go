package models

// ValidationResult is the structured outcome of record validation.
// "This record is wrong" is a result, not an error: callers branch on it
// without untangling error chains.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Merge folds another result into this one. Validity is the conjunction.
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	v.IsValid = v.IsValid && other.IsValid
	v.Errors = append(v.Errors, other.Errors...)
	v.Warnings = append(v.Warnings, other.Warnings...)
}

// SubmissionResult is the structured outcome of an aggregator submission.
type SubmissionResult struct {
	Success        bool   `json:"success"`
	SubmissionID   string `json:"submission_id,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	// AlreadySubmitted marks an idempotent replay: the record carried a
	// confirmation id from an earlier successful submission and no vendor
	// call was made.
	AlreadySubmitted bool `json:"already_submitted,omitempty"`
}
