// pkg/crederr/crederr.go
//
// Failure taxonomy for credential and bootstrap operations. Low-level client
// errors are marked with one of these classes and propagate untouched; the
// invoking component decides the policy (retry, rollback, escalate).

package crederr

import (
	cerr "github.com/cockroachdb/errors"
)

// Sentinel classes. Callers test with Is* helpers, never string matching.
var (
	// ErrTransient covers network timeouts and 5xx responses. Retried by
	// the calling loop with bounded backoff.
	ErrTransient = cerr.New("transient failure")

	// ErrUnreachable means the endpoint could not be contacted at all
	// (or the circuit breaker is open).
	ErrUnreachable = cerr.New("endpoint unreachable")

	// ErrPolicyDenied is a 403-equivalent. Never retried: retrying cannot
	// fix a permissions problem.
	ErrPolicyDenied = cerr.New("policy denied")

	// ErrValidation covers malformed specs, rendered-config syntax or
	// semantic errors, and checksum mismatches. Fatal before any write.
	ErrValidation = cerr.New("validation failed")

	// ErrIntegrity marks a security event: a credential observed with an
	// unexpected policy set or bound CIDR.
	ErrIntegrity = cerr.New("integrity violation")

	// ErrExhausted means a bounded retry budget ran out.
	ErrExhausted = cerr.New("retries exhausted")

	ErrNotFound     = cerr.New("not found")
	ErrNotRenewable = cerr.New("credential not renewable")
	ErrExpired      = cerr.New("credential expired")

	// ErrReloadFailed is returned by the configurator when the orchestrator
	// did not become ready after a config swap and the backup was restored.
	ErrReloadFailed = cerr.New("orchestrator reload failed")
)

func Transient(err error, msg string) error {
	return cerr.Mark(cerr.Wrap(err, msg), ErrTransient)
}

func Unreachable(err error, msg string) error {
	return cerr.Mark(cerr.Wrap(err, msg), ErrUnreachable)
}

func PolicyDenied(err error, msg string) error {
	return cerr.Mark(cerr.Wrap(err, msg), ErrPolicyDenied)
}

func Validation(err error, msg string) error {
	return cerr.Mark(cerr.Wrap(err, msg), ErrValidation)
}

func Validationf(format string, args ...interface{}) error {
	return cerr.Mark(cerr.Newf(format, args...), ErrValidation)
}

func Integrity(msg string) error {
	return cerr.Mark(cerr.New(msg), ErrIntegrity)
}

func Exhausted(err error, msg string) error {
	return cerr.Mark(cerr.Wrap(err, msg), ErrExhausted)
}

func IsTransient(err error) bool    { return cerr.Is(err, ErrTransient) }
func IsUnreachable(err error) bool  { return cerr.Is(err, ErrUnreachable) }
func IsPolicyDenied(err error) bool { return cerr.Is(err, ErrPolicyDenied) }
func IsValidation(err error) bool   { return cerr.Is(err, ErrValidation) }
func IsIntegrity(err error) bool    { return cerr.Is(err, ErrIntegrity) }
func IsExhausted(err error) bool    { return cerr.Is(err, ErrExhausted) }
func IsNotFound(err error) bool     { return cerr.Is(err, ErrNotFound) }

// Retryable reports whether the calling loop may retry the operation.
// Policy, validation and integrity failures are deterministic.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPolicyDenied(err) || IsValidation(err) || IsIntegrity(err) || IsExhausted(err) {
		return false
	}
	return IsTransient(err) || IsUnreachable(err)
}

// Fatal marks an error as requiring manual intervention (exit code 2).
var errFatal = cerr.New("fatal")

func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return cerr.Mark(err, errFatal)
}

func IsFatal(err error) bool { return cerr.Is(err, errFatal) }

// ExitCode maps an error to the vaultboot CLI contract:
// 0 success, 1 recoverable failure (state unchanged), 2 fatal failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsFatal(err) || IsIntegrity(err):
		return 2
	default:
		return 1
	}
}
