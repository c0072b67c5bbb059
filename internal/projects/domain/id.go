package domain

import (
	"fmt"
	"regexp"
)

// Project ids look like "project_1767439572065" (unix milliseconds at
// creation). The numeric suffix keeps ids ordered by creation time.
var idPattern = regexp.MustCompile(`^project_\d+$`)

// ValidID reports whether id is syntactically a project id. It runs before
// any existence or ownership check so malformed ids never touch the store.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FormatID renders a project id from a millisecond timestamp.
func FormatID(millis int64) string {
	return fmt.Sprintf("project_%d", millis)
}
