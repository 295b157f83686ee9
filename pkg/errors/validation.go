package errors

import (
	"regexp"
	"strings"
	"unicode"
)

// formulaNameRegex matches valid formula and cask token names.
// Tokens are lowercase with digits, dots, dashes, underscores and
// optional @-pinned version suffixes (e.g. "python@3.12").
var formulaNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._+-]*(@[a-z0-9._+-]+)?$`)

// ValidateName validates a formula or cask token for safety and correctness.
// It rejects names that could be used for path traversal, since tokens become
// directory names under the cellar and caskroom.
func ValidateName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidName, "package name cannot be empty")
	}

	if len(name) > 128 {
		return New(ErrCodeInvalidName, "package name too long (max 128 characters)")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidName, "package name contains control characters")
		}
	}

	for _, pattern := range []string{"..", "/", "\\", "\x00"} {
		if strings.Contains(name, pattern) {
			return New(ErrCodeInvalidName, "package name contains invalid sequence: %q", pattern)
		}
	}

	if !formulaNameRegex.MatchString(name) {
		return New(ErrCodeInvalidName, "invalid package name: %q", name)
	}

	return nil
}

// ValidateRelativePath validates a path recorded in an install manifest.
// Manifest entries are replayed during uninstall, so a hostile path must
// never escape the prefix it was recorded under.
func ValidateRelativePath(path string) error {
	if path == "" {
		return New(ErrCodeInvalidPath, "path cannot be empty")
	}

	const maxPathLength = 500
	if len(path) > maxPathLength {
		return New(ErrCodeInvalidPath, "path too long (max %d characters)", maxPathLength)
	}

	for _, r := range path {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "path contains invalid characters")
		}
	}

	if strings.Contains(path, "..") {
		return New(ErrCodeInvalidPath, "path cannot contain traversal sequences (..)")
	}

	if strings.Contains(path, "\\") {
		return New(ErrCodeInvalidPath, "path cannot contain backslashes")
	}

	return nil
}

// ValidateURL validates a download URL string for safety.
// It ensures the URL has a safe scheme (http or https).
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return New(ErrCodeInvalidInput, "URL cannot be empty")
	}

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return New(ErrCodeInvalidInput, "URL must use http or https scheme")
	}

	return nil
}
