package facilitator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/q402/copilot/internal/policy"
)

var (
	ErrValidation        = errors.New("facilitator: invalid request")
	ErrRequestNotFound   = errors.New("facilitator: request not found")
	ErrRequestNotPending = errors.New("facilitator: request is not pending")
	ErrExecutionDisabled = errors.New("facilitator: execution disabled, no facilitator key configured")
	ErrSponsorBudget     = errors.New("facilitator: daily sponsored gas budget exhausted")
)

// PolicyRejection carries the full evaluation so handlers can surface the
// ordered block reasons to the client.
type PolicyRejection struct {
	Decision policy.Evaluation
}

func (e *PolicyRejection) Error() string {
	if len(e.Decision.Reasons) > 0 {
		return "facilitator: blocked by policy: " + strings.Join(e.Decision.Reasons, "; ")
	}
	return "facilitator: blocked by policy"
}

// VerificationFailure is returned by execute when the stored witness no
// longer verifies. From the verify endpoint the same conditions are a
// non-exceptional {valid:false, reason} result instead.
type VerificationFailure struct {
	Reason string
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("facilitator: verification failed: %s", e.Reason)
}
