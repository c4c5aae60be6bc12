// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrMissingCredentials is returned when a username is configured but no password can be resolved.
var ErrMissingCredentials = errors.New("smtp credentials missing")

// ResolvePassword returns the SMTP password. A literal mail.password wins over
// mail.passwordRef. Unauthenticated relays (no username) resolve to "".
func (m Mail) ResolvePassword() (string, error) {
	if m.Password != "" {
		return m.Password, nil
	}
	if m.PasswordRef == "" {
		if m.Username != "" {
			return "", fmt.Errorf("%w: mail.username is set but neither mail.password nor mail.passwordRef", ErrMissingCredentials)
		}
		return "", nil
	}

	scheme, target, ok := strings.Cut(m.PasswordRef, ":")
	if !ok || target == "" {
		return "", fmt.Errorf("invalid mail.passwordRef %q: expected env:NAME, file:PATH or keyring:SERVICE/USER", m.PasswordRef)
	}

	var (
		password string
		err      error
	)
	switch scheme {
	case "env":
		password = os.Getenv(target)
	case "file":
		var content []byte
		content, err = os.ReadFile(target)
		password = strings.TrimRight(string(content), "\r\n")
	case "keyring":
		service, user, found := strings.Cut(target, "/")
		if !found {
			user = m.Username
		}
		password, err = keyring.Get(service, user)
	default:
		return "", fmt.Errorf("unsupported mail.passwordRef scheme %q", scheme)
	}
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s: %v", ErrMissingCredentials, m.PasswordRef, err)
	}
	if password == "" {
		return "", fmt.Errorf("%w: %s resolved to an empty value", ErrMissingCredentials, m.PasswordRef)
	}
	return password, nil
}

// TLSConfig returns the TLS configuration used for STARTTLS and implicit TLS.
func (m Mail) TLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         m.SMTPHost,
		InsecureSkipVerify: m.InsecureSkipVerify, //nolint:gosec // explicit opt-in for test relays
		MinVersion:         tls.VersionTLS12,
	}

	if m.CAFile != "" {
		pem, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading mail.caFile: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(pem); !ok {
			return nil, fmt.Errorf("mail.caFile %s contains no PEM certificates", m.CAFile)
		}
		tlsConfig.RootCAs = certPool
	}
	return tlsConfig, nil
}
