package llm

import (
	"errors"
	"strings"
)

// ErrProviderExhausted is returned when every eligible candidate in the
// chain failed or returned an empty response for one logical call.
var ErrProviderExhausted = errors.New("llm: all providers exhausted")

// ErrCircuitOpen is returned while the chain-wide circuit breaker is
// tripped. It requires an explicit re-enable through the control
// surface; the client never closes the circuit on its own.
var ErrCircuitOpen = errors.New("llm: circuit breaker open")

// Failure reasons assigned by Classify.
const (
	ReasonQuota      = "quota"
	ReasonAuth       = "auth"
	ReasonPermission = "permission"
	ReasonNotFound   = "not_found"
	ReasonUpstream   = "upstream"
	ReasonNetwork    = "network"
	ReasonEmpty      = "empty"
	ReasonUnknown    = "unknown"
)

// quotaMarkers are substrings that identify quota and rate-limit
// failures regardless of status code.
var quotaMarkers = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"insufficient credit",
	"insufficient_quota",
	"billing",
	"too many requests",
}

// Classify maps a provider error to a failure reason. Quota and
// upstream failures put the candidate into cooldown; auth and
// permission failures take it out of rotation until a config reload.
func Classify(err error) string {
	if err == nil {
		return ReasonEmpty
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return ReasonQuota
		}
	}

	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "402"):
		return ReasonQuota
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"), strings.Contains(msg, "invalid x-api-key"):
		return ReasonAuth
	case strings.Contains(msg, "403"), strings.Contains(msg, "forbidden"):
		return ReasonPermission
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		return ReasonNotFound
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "internal server error"):
		return ReasonUpstream
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ReasonNetwork
	}

	return ReasonUnknown
}

// coolsDown reports whether a failure reason should put the candidate
// into a cooldown window.
func coolsDown(reason string) bool {
	switch reason {
	case ReasonQuota, ReasonUpstream, ReasonNetwork:
		return true
	}
	return false
}

// disables reports whether a failure reason takes the candidate out of
// rotation until the configuration is reloaded.
func disables(reason string) bool {
	return reason == ReasonAuth || reason == ReasonPermission
}
