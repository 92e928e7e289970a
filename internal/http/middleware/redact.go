package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// Values that must not reach access logs: session tokens (43 chars of
// base64url), e-mail addresses and phone numbers used as user ids.
var (
	sessionTokenRE = regexp.MustCompile(`\b[A-Za-z0-9_\-]{43}\b`)
	emailRE        = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE        = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Redactor scrubs request data before it is logged.
type Redactor struct {
	maskHeaders map[string]struct{}
}

// NewRedactor masks Authorization and cookie headers plus any extra names.
func NewRedactor(extraHeaders ...string) *Redactor {
	r := &Redactor{maskHeaders: map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}}
	for _, h := range extraHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.maskHeaders[h] = struct{}{}
		}
	}
	return r
}

// Scrub replaces sensitive substrings with typed placeholders.
func (r *Redactor) Scrub(s string) string {
	if s == "" {
		return s
	}
	s = sessionTokenRE.ReplaceAllString(s, "[REDACTED:session]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// Headers returns a loggable copy of h with masked and scrubbed values.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.maskHeaders[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.Scrub(strings.Join(vv, ", "))
	}
	return out
}
