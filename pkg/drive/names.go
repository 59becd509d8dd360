package drive

import (
	"fmt"
	"strings"

	"github.com/fruitsalade/pomelo/pkg/models"
)

const maxNameLength = 255

// ValidateName checks a link name against the naming rules shared with
// the server.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &models.ValidationError{Name: name, Reason: "name must not be empty"}
	case name == "." || name == "..":
		return &models.ValidationError{Name: name, Reason: "name is reserved"}
	case len(name) > maxNameLength:
		return &models.ValidationError{Name: name, Reason: fmt.Sprintf("name exceeds %d characters", maxNameLength)}
	case strings.ContainsAny(name, "/\\"):
		return &models.ValidationError{Name: name, Reason: "name must not contain path separators"}
	case strings.ContainsFunc(name, func(r rune) bool { return r < 0x20 }):
		return &models.ValidationError{Name: name, Reason: "name must not contain control characters"}
	case name != strings.TrimSpace(name):
		return &models.ValidationError{Name: name, Reason: "name must not start or end with whitespace"}
	}
	return nil
}

// SplitName separates a file name into base and extension. The extension
// includes the dot; dotfiles count as extensionless.
func SplitName(name string) (base, ext string) {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx:]
}

// AdjustName returns the n-th rename candidate for a conflicting name:
// "report.pdf" becomes "report (1).pdf", "report (2).pdf", and so on.
// AdjustName(name, 0) is the name itself.
func AdjustName(name string, n int) string {
	if n <= 0 {
		return name
	}
	base, ext := SplitName(name)
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}
