package imaging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tailored-agentic-units/workchain/work"
)

// Sentinel errors for input and content problems. All are terminal.
var (
	ErrMissingInput = errors.New("required input is missing")
	ErrEmptyBody    = errors.New("empty response body")
	ErrNoMatch      = errors.New("selector matched no image reference")
	ErrTooLarge     = errors.New("response exceeds size limit")
	ErrDecode       = errors.New("image decode failed")
)

// StatusError reports a non-2xx response. Its class follows the first digit
// of the status code: 5xx is transient, anything else is a client failure.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

func (e *StatusError) Class() work.Class {
	if strings.HasPrefix(strconv.Itoa(e.StatusCode), "5") {
		return work.ClassTransient
	}
	return work.ClassClient
}

// NetworkError reports a transport failure: DNS, refused connection, reset,
// or timeout. Always transient.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Class() work.Class {
	return work.ClassTransient
}
