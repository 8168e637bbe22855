package interceptor

import (
	"net/http"
	"slices"
)

// TriggerReason classifies why a response triggered a refresh.
type TriggerReason int

const (
	// TriggerNone means the response does not require a refresh.
	TriggerNone TriggerReason = iota
	// TriggerAuthExpired means the server asked the client to renew its session.
	TriggerAuthExpired
)

// String implements fmt.Stringer.
func (r TriggerReason) String() string {
	switch r {
	case TriggerNone:
		return "none"
	case TriggerAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// DefaultTriggerStatus is the status code that signals an expired session.
const DefaultTriggerStatus = http.StatusNotAcceptable

// Classifier maps a response to a TriggerReason.
type Classifier func(resp *http.Response) TriggerReason

// StatusClassifier returns a Classifier that reports TriggerAuthExpired for
// the given status codes. Without arguments it matches DefaultTriggerStatus.
func StatusClassifier(statuses ...int) Classifier {
	if len(statuses) == 0 {
		statuses = []int{DefaultTriggerStatus}
	}
	statuses = slices.Clone(statuses)

	return func(resp *http.Response) TriggerReason {
		if resp == nil {
			return TriggerNone
		}
		if slices.Contains(statuses, resp.StatusCode) {
			return TriggerAuthExpired
		}
		return TriggerNone
	}
}
