// Package parser extracts a single well-formed JSON object or array embedded
// anywhere in a larger text blob — agent chatter, shell echoes, ANSI noise,
// or trailing narration. It deliberately does not run a streaming JSON
// decoder over the whole blob: agents wrap JSON in human prose that would
// poison a streaming parser. Instead it scans for the outermost balanced
// delimiter pair and strict-parses only that substring.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse is returned when no balanced JSON value can be found, or the
// balanced substring fails a strict JSON parse.
var ErrParse = errors.New("no valid JSON value found in output")

// ExtractObject finds the first top-level balanced {...} region in text and
// strict-parses it into v (a pointer, as with json.Unmarshal).
func ExtractObject(text string, v any) error {
	raw, err := extractBalanced(text, '{', '}')
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// ExtractArray finds the first top-level balanced [...] region in text and
// strict-parses it into v (a pointer, as with json.Unmarshal).
func ExtractArray(text string, v any) error {
	raw, err := extractBalanced(text, '[', ']')
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// extractBalanced scans text for the outermost substring starting at the
// first `open` rune and ending at its matching `close` rune, tracking
// nesting depth and ignoring delimiters that occur inside JSON string
// literals (honoring backslash-escape rules within those strings).
func extractBalanced(text string, open, close byte) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if start == -1 {
			if c == open {
				start = i
				depth = 1
			}
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}

	return "", ErrParse
}
