package validation

// MaxToolNameLength is the maximum length of a tool name in bytes.
const MaxToolNameLength = 256

// ValidateToolName checks a tool name against the allowed shape. Names may
// contain letters, digits, underscores, and hyphens, with `/` and `.` as
// interior separators. A separator may not start or end the name and two
// separators may never be adjacent, which rejects path traversal attempts
// like "../../etc/passwd" outright.
func ValidateToolName(name string) error {
	if name == "" {
		return NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return NewValidationError(ErrCodeInvalidParams, "tool name exceeds maximum length")
	}

	prevSeparator := true // a leading separator is treated as adjacent
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			prevSeparator = false
		case c == '/' || c == '.':
			if prevSeparator {
				return NewValidationError(ErrCodeInvalidParams, "tool name failed validation: malformed separator")
			}
			prevSeparator = true
		default:
			return NewValidationError(ErrCodeInvalidParams, "tool name failed validation: invalid character")
		}
	}
	if prevSeparator {
		return NewValidationError(ErrCodeInvalidParams, "tool name failed validation: malformed separator")
	}
	return nil
}
