package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Default argument shape limits. Both are configurable through the
// transport settings; the defaults guard against hostile nesting without
// constraining legitimate tool schemas.
const (
	DefaultMaxArgumentsDepth      = 32
	DefaultMaxArgumentsProperties = 1000
)

// ValidateArguments walks the raw arguments JSON with a streaming decoder,
// enforcing nesting depth and total object property count during the same
// pass. Depth counts container nesting: {"a":{"b":1}} has depth two.
// Property count covers every object key in the tree, not just the top
// level. Empty input is valid.
func ValidateArguments(raw json.RawMessage, maxDepth, maxProperties int) error {
	if len(raw) == 0 {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxArgumentsDepth
	}
	if maxProperties <= 0 {
		maxProperties = DefaultMaxArgumentsProperties
	}

	type frame struct {
		object  bool
		keyNext bool
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var stack []frame
	properties := 0

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return NewValidationError(ErrCodeInvalidParams, "arguments are not valid JSON")
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				stack = append(stack, frame{object: t == '{', keyNext: t == '{'})
				if len(stack) > maxDepth {
					return NewValidationError(ErrCodeInvalidParams, "arguments exceed maximum allowed depth")
				}
			case '}', ']':
				stack = stack[:len(stack)-1]
				if len(stack) > 0 && stack[len(stack)-1].object {
					stack[len(stack)-1].keyNext = true
				}
			}
		default:
			if len(stack) == 0 {
				continue // scalar root
			}
			top := &stack[len(stack)-1]
			if !top.object {
				continue
			}
			if top.keyNext {
				properties++
				if properties > maxProperties {
					return NewValidationError(ErrCodeInvalidParams, "arguments exceed maximum allowed count")
				}
				top.keyNext = false
			} else {
				top.keyNext = true
			}
		}
	}
}
