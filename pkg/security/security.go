package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/command-queue/pkg/core"
)

// Security limits and configuration
const (
	// MaxTypeNameLength is the maximum length for command type names
	MaxTypeNameLength = 255

	// MaxCommandIDLength is the maximum length for command identities.
	// Identities usually embed file paths, hence the generous limit.
	MaxCommandIDLength = 1024

	// MaxBatchNameLength is the maximum length for batch names
	MaxBatchNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for a serialized command (1MB)
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxThreads is the hard limit for global concurrency
	MaxThreads = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// validTypeName matches alphanumeric, hyphens, underscores, and dots
var validTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateTypeName validates a command type discriminator
func ValidateTypeName(name string) error {
	if name == "" {
		return core.ErrInvalidTypeName
	}
	if len(name) > MaxTypeNameLength {
		return core.ErrTypeNameTooLong
	}
	if !validTypeName.MatchString(name) {
		return core.ErrInvalidTypeName
	}
	return nil
}

// ValidateCommandID validates a command identity. Any printable text is
// accepted since identities carry paths.
func ValidateCommandID(id string) error {
	if strings.TrimSpace(id) == "" {
		return core.ErrInvalidCommandID
	}
	if len(id) > MaxCommandIDLength {
		return core.ErrCommandIDTooLong
	}
	if !utf8.ValidString(id) || strings.ContainsRune(id, 0) {
		return core.ErrInvalidCommandID
	}
	return nil
}

// ValidateBatchName validates a batch label. The empty batch is allowed.
func ValidateBatchName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > MaxBatchNameLength {
		return core.ErrBatchNameTooLong
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return core.ErrInvalidBatchName
		}
	}
	return nil
}

// ValidateCommand checks the identity and metadata a command declares.
func ValidateCommand(cmd core.Command) error {
	if cmd == nil {
		return core.ErrNilCommand
	}
	if err := ValidateTypeName(cmd.Type()); err != nil {
		return err
	}
	return ValidateCommandID(cmd.ID())
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampThreads ensures a concurrency ceiling is within limits
func ClampThreads(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxThreads {
		return MaxThreads
	}
	return n
}
