package util

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC normalization and lowercasing to user-supplied
// identifiers (handles, emails) so that visually equivalent input
// resolves to the same account.
func Normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
