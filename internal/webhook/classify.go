package webhook

import "strings"

// Classifier maps an attempt's result to an outcome. The default policy:
// 2xx is success; network errors, timeouts and 5xx are retryable; every other
// response is permanent. RetryableStatusCodes whitelists additional codes
// (429 is a common choice) since the right treatment of some 4xx responses
// is a matter of policy, not protocol.
type Classifier struct {
	RetryableStatusCodes map[int]bool
}

// NewClassifier builds a classifier from a list of extra retryable codes.
func NewClassifier(retryable []int) Classifier {
	m := make(map[int]bool, len(retryable))
	for _, c := range retryable {
		m[c] = true
	}
	return Classifier{RetryableStatusCodes: m}
}

// Classify returns the outcome for one attempt. err is the transport error
// from the HTTP client, status the response code when a response arrived.
func (c Classifier) Classify(err error, status int) Outcome {
	if err != nil {
		return OutcomeRetryableFailure
	}
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case c.RetryableStatusCodes[status]:
		return OutcomeRetryableFailure
	case status >= 500:
		return OutcomeRetryableFailure
	default:
		return OutcomePermanentFailure
	}
}

// Reason names the failure for metrics labels.
func (c Classifier) Reason(err error, status int) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
			return "dns_error"
		default:
			return "network"
		}
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	default:
		return "other"
	}
}
