package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bachducanh/E-Library/lending"
)

const (
	problemTypeBase    = "https://e-library.dev/problems/"
	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"

	// retryAfterSeconds is what a client is told to wait after a shard outage,
	// roughly one health-check interval.
	retryAfterSeconds = 5
)

// Problem is an RFC 9457 problem document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

type problemKind struct {
	err    error
	slug   string
	title  string
	status int
}

// problemKinds is checked in order; the first sentinel err matches wins.
var problemKinds = []problemKind{
	{lending.ErrInvalidArgument, "invalid-argument", "Invalid Argument", http.StatusBadRequest},
	{lending.ErrUnknownBranch, "unknown-branch", "Unknown Branch", http.StatusBadRequest},
	{lending.ErrNotFound, "not-found", "Not Found", http.StatusNotFound},
	{lending.ErrConflict, "copy-unavailable", "Copy Not Available", http.StatusConflict},
	{lending.ErrInvalidState, "invalid-state", "Invalid Loan State", http.StatusConflict},
	{lending.ErrQuotaExceeded, "quota-exceeded", "Loan Quota Exceeded", http.StatusUnprocessableEntity},
	{lending.ErrRenewalLimitExceeded, "renewal-limit-exceeded", "Renewal Limit Exceeded", http.StatusUnprocessableEntity},
	{lending.ErrRenewalTooLate, "renewal-too-late", "Renewal Too Late", http.StatusUnprocessableEntity},
	{lending.ErrSubscriptionExpired, "subscription-expired", "Subscription Expired", http.StatusUnprocessableEntity},
	{lending.ErrBranchMismatch, "branch-mismatch", "Branch Mismatch", http.StatusUnprocessableEntity},
	{lending.ErrShardUnavailable, "shard-unavailable", "Shard Unavailable", http.StatusServiceUnavailable},
}

func problemFor(err error, instance string) Problem {
	for _, kind := range problemKinds {
		if errors.Is(err, kind.err) {
			return Problem{
				Type:     problemTypeBase + kind.slug,
				Title:    kind.title,
				Status:   kind.status,
				Detail:   err.Error(),
				Instance: instance,
			}
		}
	}

	// unclassified errors may carry storage details, so the detail stays generic
	return Problem{
		Type:     problemTypeBase + "internal",
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   "the request could not be processed",
		Instance: instance,
	}
}

func writeProblem(w http.ResponseWriter, problem Problem) {
	if problem.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	writeJSON(w, problem.Status, contentTypeProblem, problem)
}
