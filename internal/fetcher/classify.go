package fetcher

import (
	"bytes"
	"net/http"
)

// Class is the classification of one fetch attempt
type Class string

const (
	ClassOK             Class = "ok"
	ClassServerError    Class = "server_error"
	ClassRateLimited    Class = "rate_limited"
	ClassBlocked        Class = "blocked"
	ClassContentBlocked Class = "content_blocked"
	ClassNetwork        Class = "network"
)

// Action tells the fetch loop what to do after an attempt
type Action string

const (
	ActionSuccess Action = "success"
	ActionRetry   Action = "retry"
	ActionAbort   Action = "abort"
)

// SoftBlockMarkers are lower-cased body phrases shown instead of content when
// access is restricted
var SoftBlockMarkers = [][]byte{
	[]byte("доступ ограничен"),
	[]byte("проблема с ip"),
}

// Verdict is the classification of one response
type Verdict struct {
	Class  Class
	Action Action
}

// Classify maps a response to a verdict. A status of 0 means the request never
// produced a response.
func Classify(status int, body []byte) Verdict {
	switch {
	case status == 0:
		return Verdict{ClassNetwork, ActionRetry}
	case status >= http.StatusInternalServerError:
		return Verdict{ClassServerError, ActionRetry}
	case status == http.StatusTooManyRequests:
		return Verdict{ClassRateLimited, ActionRetry}
	case status == http.StatusForbidden || status == http.StatusFound:
		return Verdict{ClassBlocked, ActionRetry}
	case HasSoftBlockMarker(body):
		return Verdict{ClassContentBlocked, ActionRetry}
	default:
		return Verdict{ClassOK, ActionSuccess}
	}
}

// HasSoftBlockMarker reports whether the body is an access-restriction page.
// Matching ignores case.
func HasSoftBlockMarker(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, m := range SoftBlockMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}
