package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChallengeDetected means the site served a CAPTCHA or bot check.
	ErrChallengeDetected = errors.New("challenge detected")
	// ErrLoginRequired means the page is behind a sign-in wall.
	ErrLoginRequired = errors.New("login required")
)

// DecryptionError reports ciphertext that is malformed or was sealed under a
// different key. It is never recoverable.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Err.Error()
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// SessionLoadError is logged and treated as a cache miss.
type SessionLoadError struct {
	Path string
	Err  error
}

func (e *SessionLoadError) Error() string {
	return fmt.Sprintf("load session %s: %v", e.Path, e.Err)
}

func (e *SessionLoadError) Unwrap() error { return e.Err }

// ObservationError is a provider fault while reading the product page.
type ObservationError struct {
	Op  string
	Err error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("observe: %s: %v", e.Op, e.Err)
}

func (e *ObservationError) Unwrap() error { return e.Err }

type LoginFailure struct {
	Reason string
	Err    error
}

func (e *LoginFailure) Error() string {
	if e.Err == nil {
		return "login failed: " + e.Reason
	}
	return fmt.Sprintf("login failed: %s: %v", e.Reason, e.Err)
}

func (e *LoginFailure) Unwrap() error { return e.Err }

// ActionFailure is a purchase step that could not be completed.
type ActionFailure struct {
	Step string
	Err  error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("purchase step %q failed: %v", e.Step, e.Err)
}

func (e *ActionFailure) Unwrap() error { return e.Err }

// FatalError is returned by Monitor.Run when it stops on a failure it will not
// retry.
type FatalError struct {
	Kind  FailureKind
	Cycle int
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stopped at cycle %d on %s: %v", e.Cycle, e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNetwork
	FailureChallenge
	FailureLogin
	FailureSessionExpired
	FailureAction
	FailureDecryption
	FailureProvider
)

var failureKindNames = map[FailureKind]string{
	FailureNone:           "none",
	FailureNetwork:        "ObservationError",
	FailureChallenge:      "ChallengeDetected",
	FailureLogin:          "LoginFailure",
	FailureSessionExpired: "SessionExpired",
	FailureAction:         "ActionFailure",
	FailureDecryption:     "DecryptionError",
	FailureProvider:       "ProviderFailure",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// ClassifyFailure maps an error to the kind RetryPolicy budgets against.
// Challenge wins over every other signal, so a login that hit a CAPTCHA is
// budgeted as a challenge.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var (
		decErr   *DecryptionError
		loginErr *LoginFailure
		actErr   *ActionFailure
		obsErr   *ObservationError
	)
	switch {
	case errors.As(err, &decErr):
		return FailureDecryption
	case errors.Is(err, ErrChallengeDetected) || isCaptchaError(err):
		return FailureChallenge
	case errors.As(err, &loginErr):
		return FailureLogin
	case errors.Is(err, ErrLoginRequired) || isNotLoggedInError(err):
		return FailureSessionExpired
	case errors.As(err, &actErr):
		return FailureAction
	case errors.As(err, &obsErr), isNetworkError(err):
		return FailureNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return FailureNetwork
	}
	return FailureProvider
}

func isCaptchaError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "captcha") ||
		strings.Contains(errStr, "robot check") ||
		strings.Contains(errStr, "unusual traffic")
}

func isNotLoggedInError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not logged in") ||
		strings.Contains(errStr, "authentication required") ||
		strings.Contains(errStr, "unauthorized")
}

// isNetworkError checks if an error is a network/timeout error that should be retried
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "net::err_")
}
