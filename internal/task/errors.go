package task

import (
	"errors"
	"path"
	"regexp"
	"strings"
)

var (
	ErrNilWork = errors.New("nil work function")
	ErrEmptyID = errors.New("empty task id")
)

var pathLike = regexp.MustCompile(`(?:[A-Za-z]:)?[^\s"'():,]*[/\\][^\s"'():,]*`)

// Sanitize turns an error into text safe to show to end users: filesystem paths are
// reduced to their base name and the result is truncated.
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeMessage(err.Error())
}

// SanitizeMessage applies the same rules as Sanitize to plain text.
func SanitizeMessage(msg string) string {
	msg = pathLike.ReplaceAllStringFunc(msg, func(p string) string {
		base := path.Base(strings.ReplaceAll(p, `\`, "/"))
		if base == "/" || base == "." {
			return ""
		}
		return base
	})
	msg = strings.Join(strings.Fields(msg), " ")
	runes := []rune(msg)
	if len(runes) > maxMessageRunes {
		return string(runes[:maxMessageRunes]) + "..."
	}
	return msg
}
