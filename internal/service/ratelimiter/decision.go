package ratelimiter

import "time"

// Decision is the outcome of a rate limit check. It is either Unlimited (the
// user is privileged) or Limited. Decisions describe the state observed before
// the action being admitted, so Remaining counts the admitted action too.
type Decision interface {
	Allowed() bool
	decision()
}

// Unlimited is returned for privileged users; no counting was performed.
type Unlimited struct{}

// Allowed is always true.
func (Unlimited) Allowed() bool { return true }
func (Unlimited) decision()     {}

// Limited is the decision for non-privileged users.
type Limited struct {
	// Used is the number of usage records in the current window.
	Used      int
	Remaining int
	Limit     int
	// ResetAt is the start of the next UTC day.
	ResetAt time.Time
}

// Allowed reports whether one more action fits the window.
func (l Limited) Allowed() bool { return l.Used < l.Limit }
func (Limited) decision()       {}

// Summary is the flattened wire form of a Decision. Unlimited decisions use
// -1 for both Remaining and Limit and carry no reset time.
type Summary struct {
	Allowed   bool       `json:"allowed"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// Summarize converts a Decision into its wire form. A nil or unrecognised
// decision is reported as denied with nothing remaining.
func Summarize(d Decision) Summary {
	switch v := d.(type) {
	case Limited:
		reset := v.ResetAt
		return Summary{Allowed: v.Allowed(), Remaining: v.Remaining, Limit: v.Limit, ResetAt: &reset}
	case Unlimited:
		return Summary{Allowed: true, Remaining: -1, Limit: -1}
	default:
		return Summary{}
	}
}

func newLimited(used, limit int, startOfDay time.Time) Limited {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Limited{Used: used, Remaining: remaining, Limit: limit, ResetAt: startOfDay.Add(24 * time.Hour)}
}
