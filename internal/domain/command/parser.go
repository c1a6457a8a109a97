package command

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Invocation is one parsed command token: PREFIX name or PREFIX name(args).
type Invocation struct {
	Name string
	Args map[string]string
	Raw  string // the exact span stripped from the message
}

// Parse scans text for command tokens beginning with prefix and returns the
// text with every token stripped plus the invocations in order of
// appearance. Tokens with malformed argument lists are returned with a nil
// Args map and recorded in errs at the matching index (errs[i] == nil for
// well-formed invocations).
func Parse(text, prefix string) (stripped string, invs []Invocation, errs []error) {
	if prefix == "" || !strings.Contains(text, prefix) {
		return text, nil, nil
	}

	var out strings.Builder
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], prefix)
		if idx < 0 {
			out.WriteString(text[i:])
			break
		}
		out.WriteString(text[i : i+idx])
		start := i + idx
		pos := start + len(prefix)

		name, nameEnd := scanName(text, pos)
		if name == "" {
			// Bare prefix with no command name passes through untouched.
			out.WriteString(prefix)
			i = pos
			continue
		}

		inv := Invocation{Name: name}
		var invErr error
		end := nameEnd

		if nameEnd < len(text) && text[nameEnd] == '(' {
			argsEnd, argSrc, ok := scanParens(text, nameEnd)
			if !ok {
				invErr = fmt.Errorf("command %s%s: unterminated argument list", prefix, name)
				end = len(text)
			} else {
				end = argsEnd
				inv.Args, invErr = ParseArgs(argSrc)
				if invErr != nil {
					invErr = fmt.Errorf("command %s%s: %w", prefix, name, invErr)
					inv.Args = nil
				}
			}
		}

		inv.Raw = text[start:end]
		invs = append(invs, inv)
		errs = append(errs, invErr)
		i = end
	}

	return strings.TrimSpace(out.String()), invs, errs
}

// scanName reads a command identifier starting at pos.
func scanName(text string, pos int) (string, int) {
	end := pos
	for end < len(text) {
		c := rune(text[end])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' {
			end++
			continue
		}
		break
	}
	return text[pos:end], end
}

// scanParens returns the index one past the matching close paren and the
// inner argument source. Quoted strings may contain parens.
func scanParens(text string, open int) (end int, inner string, ok bool) {
	inQuote := false
	for i := open + 1; i < len(text); i++ {
		c := text[i]
		if inQuote {
			if c == '\\' {
				i++ // skip escaped char
				continue
			}
			if c == '"' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case ')':
			return i + 1, text[open+1 : i], true
		}
	}
	return 0, "", false
}

// ParseArgs parses a comma-separated list of key=value pairs. Values may be
// bare (trimmed, no commas) or double-quoted with backslash escapes. A bare
// key without '=' is accepted with an empty value (used by unset-style
// commands).
func ParseArgs(src string) (map[string]string, error) {
	args := make(map[string]string)
	fields, err := splitArgs(src)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		eq := strings.Index(f, "=")
		if eq < 0 {
			if strings.Contains(f, `"`) {
				return nil, fmt.Errorf("malformed argument %q", f)
			}
			args[f] = ""
			continue
		}
		key := strings.TrimSpace(f[:eq])
		if key == "" {
			return nil, fmt.Errorf("malformed argument %q: empty key", f)
		}
		val := strings.TrimSpace(f[eq+1:])
		if strings.HasPrefix(val, `"`) {
			unq, err := unquote(val)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", key, err)
			}
			val = unq
		}
		args[key] = val
	}
	return args, nil
}

// splitArgs splits on commas outside double quotes.
func splitArgs(src string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inQuote {
			cur.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				cur.WriteByte(src[i])
				continue
			}
			if c == '"' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
			cur.WriteByte(c)
		case ',':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted value")
	}
	fields = append(fields, cur.String())
	return fields, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("unterminated quoted value")
	}
	var b strings.Builder
	body := s[1 : len(s)-1]
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			i++
			b.WriteByte(body[i])
			continue
		}
		if c == '"' {
			return "", fmt.Errorf("stray quote inside value")
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// RenderArgs renders an argument map back to canonical form: keys sorted,
// values quoted when they contain commas, quotes, parens or spaces. Parsing
// the rendered form yields an equivalent map.
func RenderArgs(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		v := args[k]
		if v == "" {
			continue
		}
		b.WriteByte('=')
		if strings.ContainsAny(v, `,"() `) {
			b.WriteByte('"')
			v = strings.ReplaceAll(v, `\`, `\\`)
			v = strings.ReplaceAll(v, `"`, `\"`)
			b.WriteString(v)
			b.WriteByte('"')
		} else {
			b.WriteString(v)
		}
	}
	return b.String()
}
