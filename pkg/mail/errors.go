// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

// ErrorKind categorizes transport failures for reporting. All kinds are
// handled the same way by the dispatcher.
type ErrorKind string

const (
	KindAuth     ErrorKind = "auth"
	KindNetwork  ErrorKind = "network"
	KindTimeout  ErrorKind = "timeout"
	KindRejected ErrorKind = "rejected"
	KindCanceled ErrorKind = "canceled"
	KindOther    ErrorKind = "other"
)

// TransportError is returned by Transport implementations.
type TransportError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mail transport (%s) after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt might succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout || k == KindOther
}

// Classify categorizes an SMTP or network error.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return classifyCode(protoErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}

	// gomail flattens send errors into strings, so fall back to message patterns.
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "535") || strings.Contains(errStr, "530") ||
		strings.Contains(errStr, "authentication") || strings.Contains(errStr, "unencrypted connection"):
		return KindAuth
	case strings.Contains(errStr, "550") || strings.Contains(errStr, "551") ||
		strings.Contains(errStr, "553") || strings.Contains(errStr, "554") ||
		strings.Contains(errStr, "mailbox unavailable") || strings.Contains(errStr, "recipient"):
		return KindRejected
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		return KindTimeout
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "eof"):
		return KindNetwork
	default:
		return KindOther
	}
}

func classifyCode(code int) ErrorKind {
	switch {
	case code == 530 || code == 534 || code == 535 || code == 538:
		return KindAuth
	case code >= 550 && code <= 554:
		return KindRejected
	case code == 421:
		return KindNetwork
	default:
		return KindOther
	}
}
