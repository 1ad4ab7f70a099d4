package models

import "errors"

// Error taxonomy shared by the engine and its outer surfaces.
var (
	// ErrAdmissionRejected covers duplicate runs and exhausted quotas. It is
	// user-facing and never retried automatically.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrAnalyzerTimeout means one analyzer missed its deadline.
	ErrAnalyzerTimeout = errors.New("analyzer timeout")

	// ErrAnalyzerError is an adapter-level failure.
	ErrAnalyzerError = errors.New("analyzer error")

	// ErrBudgetExceeded means a category was skipped for cost reasons.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrPersistenceFailure marks a run Failed; it needs operator attention.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrRunNotFound is returned by stores for unknown run ids.
	ErrRunNotFound = errors.New("review run not found")
)

// RejectReason explains an admission rejection.
type RejectReason string

const (
	RejectDuplicate          RejectReason = "duplicate"
	RejectDuplicateDelivery  RejectReason = "duplicate_delivery"
	RejectQuota              RejectReason = "quota"
	RejectBudget             RejectReason = "budget"
	RejectConfigUnavailable  RejectReason = "config_unavailable"
	RejectAutoReviewDisabled RejectReason = "auto_review_disabled"
	RejectNoCategories       RejectReason = "no_categories"
)

// AdmissionError carries the reason a request was not admitted.
type AdmissionError struct {
	Reason RejectReason
	RunID  string // id of the conflicting run, for duplicates
}

func (e *AdmissionError) Error() string {
	return "AdmissionRejected:" + string(e.Reason)
}

// Is lets errors.Is(err, ErrAdmissionRejected) match any AdmissionError.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// Rejected builds an AdmissionError for reason.
func Rejected(reason RejectReason) error {
	return &AdmissionError{Reason: reason}
}

// RejectionReason extracts the reason from err, if it is an admission error.
func RejectionReason(err error) (RejectReason, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}
