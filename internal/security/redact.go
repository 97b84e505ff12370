// Package security masks Kite credentials before text leaves the process
// through logs or the journal.
package security

import (
	"regexp"
	"strings"

	"kite-connector/pkg/utils"
)

// sensitiveFields are credential keys as they appear in Kite requests,
// config files and error text.
var sensitiveFields = map[string]bool{
	"api_key":       true,
	"api_secret":    true,
	"access_token":  true,
	"request_token": true,
	"refresh_token": true,
	"enctoken":      true,
	"password":      true,
	"totp_secret":   true,
	"twofa_value":   true,
	"checksum":      true,
}

var (
	// key=value and key: value, as in query strings, form bodies and messages.
	keyValuePattern = regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?secret|access[_-]?token|request[_-]?token|refresh[_-]?token|enctoken|password|totp[_-]?secret|twofa[_-]?value|checksum)(["']?\s*[=:]\s*["']?)([^\s"'&,;}]+)`)
	// Authorization: token api_key:access_token
	authHeaderPattern = regexp.MustCompile(`(?i)\b(token)\s+([A-Za-z0-9]+):([A-Za-z0-9]+)`)
)

// IsSensitiveField reports whether a field of this name holds a credential.
func IsSensitiveField(name string) bool {
	return sensitiveFields[strings.ToLower(strings.ReplaceAll(name, "-", "_"))]
}

// Redact masks every credential value found in s, keeping its last four
// characters.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = keyValuePattern.ReplaceAllStringFunc(s, func(match string) string {
		m := keyValuePattern.FindStringSubmatch(match)
		return m[1] + m[2] + utils.MaskSecret(m[3])
	})
	return authHeaderPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := authHeaderPattern.FindStringSubmatch(match)
		return m[1] + " " + utils.MaskSecret(m[2]) + ":" + utils.MaskSecret(m[3])
	})
}

// RedactError returns err's message with credentials masked, or "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
