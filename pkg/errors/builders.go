// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// WrapError converts a generic error into a structured CoreError, used to
// normalize whatever a ProjectRpc or StateStore collaborator returns
// before it reaches a log line or an Event.
func WrapError(err error) *CoreError {
	if err == nil {
		return nil
	}

	var coreErr *CoreError
	if stderrors.As(err, &coreErr) {
		return coreErr
	}

	if stderrors.Is(err, context.Canceled) {
		return NewCoreErrorWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewCoreErrorWithCause(ErrorCodeDeadlineExceeded, "operation timed out", err)
	}

	if netErr := classifyNetworkError(err); netErr != nil {
		return netErr
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return classifyURLError(urlErr)
	}

	return NewCoreErrorWithCause(ErrorCodeUnknown, err.Error(), err)
}

// classifyNetworkError identifies and wraps network-related errors coming
// back from a ProjectRpc.RequestWork call.
func classifyNetworkError(err error) *CoreError {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.Canceled) {
		return NewCoreErrorWithCause(ErrorCodeContextCanceled, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewCoreErrorWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", err)
	}

	errStr := err.Error()

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewCoreErrorWithCause(ErrorCodeNetworkTimeout, "network operation timed out", err)
		}
		if strings.Contains(errStr, "connection reset") ||
			strings.Contains(errStr, "broken pipe") ||
			strings.Contains(errStr, "network is unreachable") ||
			strings.Contains(errStr, "temporary") {
			return NewCoreErrorWithCause(ErrorCodeConnectionRefused, "temporary network failure", err)
		}
	}

	switch {
	case strings.Contains(errStr, "connection refused"):
		return NewCoreErrorWithCause(ErrorCodeConnectionRefused, "connection refused by scheduler", err)
	case strings.Contains(errStr, "no such host"):
		return NewCoreErrorWithCause(ErrorCodeDNSResolution, "DNS resolution failed", err)
	case strings.Contains(errStr, "timeout"):
		return NewCoreErrorWithCause(ErrorCodeNetworkTimeout, "network timeout", err)
	case strings.Contains(errStr, "tls"), strings.Contains(errStr, "certificate"):
		return NewCoreErrorWithCause(ErrorCodeTLSHandshake, "TLS handshake failed", err)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		var dnsErr *net.DNSError
		if stderrors.As(opErr.Err, &dnsErr) {
			return NewCoreErrorWithCause(ErrorCodeDNSResolution, "DNS lookup failed", dnsErr)
		}
		var syscallErr syscall.Errno
		if stderrors.As(opErr.Err, &syscallErr) {
			switch syscallErr {
			case syscall.ECONNREFUSED:
				return NewCoreErrorWithCause(ErrorCodeConnectionRefused, "connection refused", err)
			case syscall.ETIMEDOUT:
				return NewCoreErrorWithCause(ErrorCodeNetworkTimeout, "connection timeout", err)
			case syscall.ENETUNREACH:
				return NewCoreErrorWithCause(ErrorCodeDNSResolution, "network unreachable", err)
			}
		}
	}

	return nil
}

// classifyURLError handles URL-specific errors (malformed master_url, etc).
func classifyURLError(urlErr *url.Error) *CoreError {
	var host string
	var port int
	if u, err := url.Parse(urlErr.URL); err == nil {
		host = u.Hostname()
		if u.Port() != "" {
			_, _ = fmt.Sscanf(u.Port(), "%d", &port)
		}
	}

	if stderrors.Is(urlErr.Err, context.Canceled) {
		return NewCoreErrorWithCause(ErrorCodeContextCanceled, "operation was canceled", urlErr)
	}
	if stderrors.Is(urlErr.Err, context.DeadlineExceeded) {
		return NewCoreErrorWithCause(ErrorCodeDeadlineExceeded, "operation deadline exceeded", urlErr)
	}

	if netErr := classifyNetworkError(urlErr.Err); netErr != nil {
		if host != "" {
			wrapped := &NetworkError{CoreError: netErr, Host: host, Port: port}
			return wrapped.CoreError
		}
		return netErr
	}

	return NewCoreErrorWithCause(ErrorCodeNetworkTimeout, "url error: "+urlErr.Op, urlErr)
}

// NewClientError creates errors for client-side issues (bad config,
// unsupported operations).
func NewClientError(code ErrorCode, message string, details ...string) *CoreError {
	err := NewCoreError(code, message)
	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}
	return err
}

// NewValidationErrorf creates a validation error with a formatted message.
func NewValidationErrorf(field string, value interface{}, format string, args ...interface{}) *ValidationError {
	message := fmt.Sprintf(format, args...)
	return NewValidationError(ErrorCodeValidationFailed, message, field, value, nil)
}

// NewResultError classifies an error encountered while processing a named
// result (completion reporting, abort, file transfer) into the matching
// CoreError code.
func NewResultError(resultName, operation string, cause error) *CoreError {
	var code ErrorCode
	var message string

	causeStr := ""
	if cause != nil {
		causeStr = cause.Error()
	}
	switch {
	case strings.Contains(causeStr, "not found"):
		code = ErrorCodeResourceNotFound
		message = fmt.Sprintf("result %s not found during %s", resultName, operation)
	case strings.Contains(causeStr, "already"):
		code = ErrorCodeConflict
		message = fmt.Sprintf("result %s already in a terminal state during %s", resultName, operation)
	default:
		code = ErrorCodeUnknown
		message = fmt.Sprintf("result %s: %s failed", resultName, operation)
	}

	return NewCoreErrorWithCause(code, message, cause)
}

// NewSubprocessTimeoutError builds the error for a probe or executor
// subprocess that exceeded its deadline.
func NewSubprocessTimeoutError(command string, cause error) *SubprocessError {
	err := NewSubprocessError(fmt.Sprintf("subprocess %q timed out", command), command, -1, cause)
	err.Code = ErrorCodeSubprocessTimeout
	err.Category = getErrorCategory(ErrorCodeSubprocessTimeout)
	err.Retryable = true
	return err
}
