// Package jsonx parses JSON emitted by language models, which drifts from
// the grammar often enough to need recovery: single quotes, trailing
// commas, unquoted keys, prose wrapped around the object.
//
// Parsing runs in three levels: strict encoding/json, extraction of the
// first balanced object from surrounding text, then lenient rewriting.
// Every successful parse reports whether recovery was needed so callers
// can track drift.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Result annotates a successful parse.
type Result struct {
	// Recovered is true when anything beyond strict parsing was required.
	Recovered bool
	// Level names the stage that succeeded: "strict", "extracted",
	// "lenient".
	Level string
}

// Unmarshal decodes data into v, applying recovery as needed.
func Unmarshal(data []byte, v any) (*Result, error) {
	return UnmarshalString(string(data), v)
}

// UnmarshalString decodes s into v, applying recovery as needed.
func UnmarshalString(s string, v any) (*Result, error) {
	// Level 1: strict.
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return &Result{Recovered: false, Level: "strict"}, nil
	}

	// Level 2: first balanced object extracted from surrounding text.
	extracted, ok := ExtractObject(s)
	if ok {
		if err := json.Unmarshal([]byte(extracted), v); err == nil {
			return &Result{Recovered: true, Level: "extracted"}, nil
		}
		// Level 3: lenient rewrite of the extracted object.
		repaired := Repair(extracted)
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			return &Result{Recovered: true, Level: "lenient"}, nil
		}
	}

	// Last resort: lenient rewrite of the whole input.
	repaired := Repair(s)
	if err := json.Unmarshal([]byte(repaired), v); err == nil {
		return &Result{Recovered: true, Level: "lenient"}, nil
	}

	return nil, fmt.Errorf("jsonx: input is not recoverable JSON")
}

// ExtractObject returns the first balanced {...} region of s, honoring
// strings and escapes. The second return is false when no balanced object
// exists.
func ExtractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Repair rewrites common LLM deviations into valid JSON: single-quoted
// strings become double-quoted, unquoted object keys are quoted, and
// trailing commas are dropped. It is a best-effort textual pass, not a
// full parser.
func Repair(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	inString := false
	quote := byte(0) // the quote char that opened the current string
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
				out.WriteByte(c)
			case c == '\\':
				escaped = true
				out.WriteByte(c)
			case c == quote:
				inString = false
				out.WriteByte('"')
			case c == '"' && quote == '\'':
				// A double quote inside a single-quoted string must be
				// escaped once the string is normalized.
				out.WriteString(`\"`)
			default:
				out.WriteByte(c)
			}
			continue
		}

		switch {
		case c == '"' || c == '\'':
			inString = true
			quote = c
			out.WriteByte('"')
		case c == ',':
			// Drop the comma if the next non-space char closes a scope.
			if next := nextNonSpace(s, i+1); next == '}' || next == ']' {
				continue
			}
			out.WriteByte(c)
		case isIdentStart(c) && startsUnquotedKey(s, i):
			end := i
			for end < len(s) && isIdentPart(s[end]) {
				end++
			}
			word := s[i:end]
			if word == "true" || word == "false" || word == "null" {
				out.WriteString(word)
			} else {
				out.WriteByte('"')
				out.WriteString(word)
				out.WriteByte('"')
			}
			i = end - 1
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// startsUnquotedKey reports whether the identifier starting at i is
// followed (after the identifier and optional spaces) by a colon,
// i.e. it is an unquoted object key.
func startsUnquotedKey(s string, i int) bool {
	end := i
	for end < len(s) && isIdentPart(s[end]) {
		end++
	}
	word := s[i:end]
	if word == "true" || word == "false" || word == "null" {
		// Literals are keys only when a colon follows.
		return nextNonSpace(s, end) == ':'
	}
	j := end
	for j < len(s) && unicode.IsSpace(rune(s[j])) {
		j++
	}
	return j < len(s) && s[j] == ':'
}

func nextNonSpace(s string, i int) byte {
	for ; i < len(s); i++ {
		if !unicode.IsSpace(rune(s[i])) {
			return s[i]
		}
	}
	return 0
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
