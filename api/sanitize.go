package api

import "strings"

// sanitizeForLog redacts identifiers before they reach the audit log.
// Emails keep one character of the local part, DIDs keep a fixed
// prefix, anything else long is truncated with an ellipsis marker.
func sanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	if validateEmail(s) {
		at := strings.Index(s, "@")
		return s[:1] + "***@" + s[at+1:]
	}
	if len(s) <= 20 {
		return s
	}
	if strings.HasPrefix(s, "did:") {
		return s[:16] + "..."
	}
	return s[:12] + "..."
}

// validateEmail is intentionally loose: one @, a non-empty local part,
// a dotted domain and no whitespace. Deliverability is the mail
// server's problem.
func validateEmail(s string) bool {
	if strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	at := strings.Index(s, "@")
	if at <= 0 || at != strings.LastIndex(s, "@") {
		return false
	}
	domain := s[at+1:]
	dot := strings.Index(domain, ".")
	return dot > 0 && dot < len(domain)-1
}
