package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// StripCodeFences extracts the content of the first ```json fenced block, or
// returns the input unchanged when no fence is present. LLM responses wrap
// structured answers in Markdown more often than not.
func StripCodeFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// ParseJSONLenient unmarshals strict JSON first and falls back to a
// permissive pass that tolerates single-quoted strings, trailing commas, and
// Python literals (True/False/None). Template expansion and LLM output both
// produce these shapes regularly.
func ParseJSONLenient(s string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}

	normalized := normalizeJSON(s)
	if err := json.Unmarshal([]byte(normalized), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON (strict and lenient): %w", err)
	}
	return out, nil
}

// normalizeJSON rewrites the permissive shapes into strict JSON in a single
// pass that tracks string state, so quotes inside strings stay intact.
func normalizeJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	const (
		outside = iota
		inDouble
		inSingle
	)
	state := outside

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case outside:
			switch c {
			case '"':
				state = inDouble
				b.WriteByte(c)
			case '\'':
				state = inSingle
				b.WriteByte('"')
			case ',':
				// Drop a comma that only precedes a closing bracket.
				j := i + 1
				for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
					j++
				}
				if j < len(s) && (s[j] == '}' || s[j] == ']') {
					continue
				}
				b.WriteByte(c)
			default:
				if word, n := matchWord(s[i:]); n > 0 {
					b.WriteString(word)
					i += n - 1
					continue
				}
				b.WriteByte(c)
			}
		case inDouble:
			if c == '\\' && i+1 < len(s) {
				b.WriteByte(c)
				i++
				b.WriteByte(s[i])
				continue
			}
			if c == '"' {
				state = outside
			}
			b.WriteByte(c)
		case inSingle:
			if c == '\\' && i+1 < len(s) {
				if s[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				b.WriteByte(c)
				i++
				b.WriteByte(s[i])
				continue
			}
			if c == '\'' {
				state = outside
				b.WriteByte('"')
				continue
			}
			if c == '"' {
				b.WriteString(`\"`)
				continue
			}
			b.WriteByte(c)
		}
	}

	return b.String()
}

// matchWord recognises a Python literal at the start of s, returning its JSON
// replacement and the matched length.
func matchWord(s string) (string, int) {
	for _, w := range [...]struct {
		py, js string
	}{
		{"True", "true"},
		{"False", "false"},
		{"None", "null"},
	} {
		if strings.HasPrefix(s, w.py) && !followedByIdent(s, len(w.py)) {
			return w.js, len(w.py)
		}
	}
	return "", 0
}

func followedByIdent(s string, n int) bool {
	if n >= len(s) {
		return false
	}
	c := s[n]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
