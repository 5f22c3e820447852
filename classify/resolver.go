package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// fallbackValue is produced when every alternative in an expression fails.
const fallbackValue = "unknown"

// recipientPatterns extract an email recipient from a shell command, tried
// in order. The optional quote handles both `--mail-rcpt x@y` and
// `--mail-rcpt 'x@y'`.
var recipientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--mail-rcpt '?([^'\s]+)`),
	regexp.MustCompile(`--to '?([^'\s]+)`),
}

// ResolveTemplate expands a context-key template against a tool call.
//
// The template is literal text with embedded {EXPR} constructs. EXPR is a
// |-separated list of alternatives evaluated left to right; the first that
// yields a non-empty value wins. Alternatives:
//
//   - tool: the tool name
//   - params.NAME: the named parameter, string-coerced; fails when absent,
//     null, or empty
//   - commandRecipient: an email recipient extracted from params.command
//   - any other dot-free identifier: a literal, always succeeds
//
// When every alternative fails the expansion is "unknown". Unbalanced braces
// are a misconfiguration and are left unexpanded rather than failing the
// call. Expansion never panics.
func ResolveTemplate(template, tool string, params map[string]any) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			// Unbalanced brace: keep the fragment verbatim.
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		b.WriteString(resolveExpr(rest[open+1:open+end], tool, params))
		rest = rest[open+end+1:]
	}
}

// resolveExpr evaluates a single {EXPR} body.
func resolveExpr(expr, tool string, params map[string]any) string {
	for _, alt := range strings.Split(expr, "|") {
		alt = strings.TrimSpace(alt)
		switch {
		case alt == "tool":
			if tool != "" {
				return tool
			}
		case strings.HasPrefix(alt, "params."):
			if v, ok := paramString(params, strings.TrimPrefix(alt, "params.")); ok {
				return v
			}
		case alt == "commandRecipient":
			if v, ok := commandRecipient(params); ok {
				return v
			}
		case alt != "" && !strings.Contains(alt, "."):
			// Literal fallback.
			return alt
		}
	}
	return fallbackValue
}

// commandRecipient extracts an email recipient from the command parameter.
func commandRecipient(params map[string]any) (string, bool) {
	cmd, ok := paramString(params, "command")
	if !ok {
		return "", false
	}
	for _, re := range recipientPatterns {
		if m := re.FindStringSubmatch(cmd); m != nil && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}

// paramString returns the named parameter coerced to a string. Absent, nil,
// and empty-string values report ok=false so the next alternative is tried.
func paramString(params map[string]any, name string) (string, bool) {
	if params == nil {
		return "", false
	}
	v, ok := params[name]
	if !ok || v == nil {
		return "", false
	}
	s := coerceString(v)
	if s == "" {
		return "", false
	}
	return s, true
}

// coerceString renders a parameter value as a string. JSON-decoded params
// arrive as string, float64, bool, or nested structures; nested structures
// get fmt's default rendering, which is stable for equality checks.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
