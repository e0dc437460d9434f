package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gigaflow/gigaflow/common/logger"
)

// exprPattern matches one {{ ... }} expression, whitespace-tolerant.
var exprPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Resolver expands {{source.path.to.value}} references against the result
// pool of a running workflow. The head identifier is "input" (the run's
// initial input), a node label, or a node id; the rest is a dotted path with
// optional [i] array indices.
type Resolver struct {
	log *logger.Logger
}

func NewResolver(log *logger.Logger) *Resolver {
	return &Resolver{log: log}
}

// Resolve replaces every {{expr}} in tmpl. Unknown sources leave a visible
// error token in place so the miss shows up in downstream payloads; missing
// paths become the empty string.
func (r *Resolver) Resolve(tmpl string, inputData map[string]any, labelToID map[string]string, allResults map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	return exprPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		expr := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])

		head, rest := splitHead(expr)

		var source any
		switch {
		case head == "input":
			source = inputData
		default:
			nodeID := head
			if id, ok := labelToID[head]; ok {
				nodeID = id
			}
			v, ok := allResults[nodeID]
			if !ok {
				r.log.Warn("template source not found", "identifier", head, "resolved_id", nodeID)
				return fmt.Sprintf("{{ERROR: Node '%s' not found}}", head)
			}
			source = v
		}

		value, found := Lookup(source, rest)
		if !found {
			r.log.Warn("template path not found", "expression", expr)
			return ""
		}

		return render(value)
	})
}

// splitHead separates the source identifier from the remaining path. The
// head ends at the first '.' or '['.
func splitHead(expr string) (head, rest string) {
	for i, c := range expr {
		if c == '.' {
			return expr[:i], expr[i+1:]
		}
		if c == '[' {
			return expr[:i], expr[i:]
		}
	}
	return expr, ""
}

// Lookup walks a dotted path with [i] indices through the source value.
// Navigation runs over the JSON form of the source via gjson; indices are
// normalised from a[0].b to a.0.b.
func Lookup(source any, path string) (any, bool) {
	if path == "" {
		return source, true
	}

	raw, err := json.Marshal(source)
	if err != nil {
		return nil, false
	}

	result := gjson.GetBytes(raw, normalizePath(path))
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// normalizePath converts bracket indices to gjson dot syntax:
// "json.result[0].text" -> "json.result.0.text".
func normalizePath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			if i > 0 && path[i-1] != '.' {
				b.WriteByte('.')
			}
		case ']':
			// dropped; a following '.' already separates segments
		default:
			b.WriteByte(path[i])
		}
	}
	return b.String()
}

// render stringifies a resolved value: maps and slices become compact JSON,
// scalars are printed bare so they embed cleanly in surrounding text.
func render(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%v", v)
	case float64:
		// gjson numbers are float64; keep integers free of a trailing .0
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
