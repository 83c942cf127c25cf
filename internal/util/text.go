package util

import (
	"errors"
	"regexp"
	"strings"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	username   = regexp.MustCompile(`^[a-z0-9._]{1,30}$`)
)

var ErrInvalidUsername = errors.New("invalid username")

// NormalizeWhitespace trims and collapses whitespace to single spaces.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// NormalizeUsername accepts "name", "@name" or a profile URL and returns the
// lowercase handle.
func NormalizeUsername(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range []string{"https://", "http://", "www.", "instagram.com/"} {
		s = strings.TrimPrefix(s, p)
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "@")
	if !username.MatchString(s) {
		return "", ErrInvalidUsername
	}
	return s, nil
}
