package utils

import "strings"

// Allows you to specify *@depot.example.com to do a suffix match.
// If the matcher starts with a *, the rest is compared as a suffix, otherwise it's a literal match.
// Emails are compared case-insensitively.
func MatchesWithWildcard(valueToEvaluate string, matcher string) bool {
	if matcher == "" {
		return false
	}

	valueToEvaluate = strings.ToLower(valueToEvaluate)
	matcher = strings.ToLower(matcher)

	if matcher[0] == '*' {
		return strings.HasSuffix(valueToEvaluate, matcher[1:])
	}
	return valueToEvaluate == matcher
}
