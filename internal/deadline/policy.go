package deadline

import (
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// Policy decides what happens when an actor acts on a step past its deadline.
type Policy string

const (
	// PolicyAdvisory lets the action through; callers log the lateness.
	PolicyAdvisory Policy = "advisory"
	// PolicyBlock rejects approve and delegate on expired steps.
	PolicyBlock Policy = "block"
)

// ParsePolicy accepts advisory or block; empty means advisory.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAdvisory:
		return PolicyAdvisory, nil
	case PolicyBlock, "blocking":
		return PolicyBlock, nil
	}
	return "", errors.Configuration("unknown deadline enforcement policy %q", s)
}

// Check returns a DeadlinePassed error when the policy blocks and the deadline
// has passed. The second result reports whether the step was late at all.
func (p Policy) Check(deadline *time.Time, now time.Time) (late bool, err error) {
	if !IsExpired(deadline, now) {
		return false, nil
	}
	if p == PolicyBlock {
		return true, errors.New(errors.ErrCodeDeadlinePassed,
			"step deadline passed at "+deadline.UTC().Format(time.RFC3339))
	}
	return true, nil
}
