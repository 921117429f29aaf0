package search

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a search failure at the transport boundary so the
// orchestrator can pick a recovery path without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransportLost means the browser context or page backing the
	// client is gone. A fresh context earns a free retry.
	KindTransportLost
	// KindAuthExpired means the travel session could not be refreshed.
	KindAuthExpired
	// KindBackendRejected means the properties API answered with a
	// non-auth error status.
	KindBackendRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransportLost:
		return "transport-lost"
	case KindAuthExpired:
		return "auth-expired"
	case KindBackendRejected:
		return "backend-rejected"
	default:
		return "unknown"
	}
}

// ErrAccountLocked is returned when the login portal reports the
// account as locked. There is no recovery path; the sweep must stop.
var ErrAccountLocked = errors.New("account is locked")

// BackendUnavailableError carries the status and a body excerpt from a
// rejected properties request.
type BackendUnavailableError struct {
	Status int
	Body   string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("properties API returned HTTP %d: %s", e.Status, e.Body)
}

// SessionRefreshError means re-authentication failed after the travel
// session went stale.
type SessionRefreshError struct {
	Reason string
	Err    error
}

func (e *SessionRefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SessionRefreshError) Unwrap() error {
	return e.Err
}

// unauthorizedError is internal to the fetch loop: it triggers a token
// refresh and is never surfaced past FetchProperties.
type unauthorizedError struct {
	Status int
}

func (e *unauthorizedError) Error() string {
	return fmt.Sprintf("search request unauthorized (HTTP %d)", e.Status)
}

// transportLostMarkers are the substrings a disposed Playwright target
// produces. The driver has no typed error for this.
var transportLostMarkers = []string{
	"target closed",
	"target page, context or browser has been closed",
	"context disposed",
	"browser has been closed",
	"target page",
}

// Classify maps an error to its recovery category.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var backendErr *BackendUnavailableError
	if errors.As(err, &backendErr) {
		return KindBackendRejected
	}
	var refreshErr *SessionRefreshError
	if errors.As(err, &refreshErr) {
		return KindAuthExpired
	}
	text := strings.ToLower(err.Error())
	for _, marker := range transportLostMarkers {
		if strings.Contains(text, marker) {
			return KindTransportLost
		}
	}
	return KindUnknown
}
