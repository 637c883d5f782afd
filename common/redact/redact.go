// Package redact strips secrets from text and structured data before it is
// logged or sent into a room.
//
// API keys and Matrix access tokens must never appear in log lines, in the
// turn log or in replies. Redaction works on string representations and only
// knows the secrets it is given; keeping secrets away from log call-sites in
// the first place still matters.
package redact

import "strings"

const placeholder = "[REDACTED]"

// minSecretLen is the shortest value that is ever redacted, so that short
// common substrings are left alone.
const minSecretLen = 4

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].
//
//	safe := redact.String(logLine, apiKey, matrixToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Redactor remembers a fixed set of secrets.
type Redactor struct {
	secrets []string
}

// New returns a Redactor for the given secrets. Empty and short values are
// dropped.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if len(s) >= minSecretLen {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// String redacts s.
func (r *Redactor) String(s string) string {
	return String(s, r.secrets...)
}

// Err returns an error whose message is redacted. The original error stays
// reachable through errors.Unwrap so errors.Is keeps working.
func (r *Redactor) Err(err error) error {
	if err == nil {
		return nil
	}
	msg := r.String(err.Error())
	if msg == err.Error() {
		return err
	}
	return &redactedError{msg: msg, err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// Map returns a shallow copy of m with string values replaced by [REDACTED]
// for every key whose name suggests a secret (password, token, key, secret,
// credential, auth). Other values are copied unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
