package templating

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholder matches {{path.to.value|modifier:"text":12:true|other}}.
var placeholder = regexp.MustCompile(`\{\{\w+(\.\w+)*(\|\w+(:(("[\w\s:\-.]+")|([0-9]+)|true|false))*)*\}\}`)

// render substitutes every placeholder in html. The first failing modifier
// aborts rendering.
func render(html string, data *Data, modifiers *Modifiers) (string, error) {
	var renderErr error
	out := placeholder.ReplaceAllStringFunc(html, func(match string) string {
		if renderErr != nil {
			return match
		}
		s, err := evaluate(match[2:len(match)-2], data, modifiers)
		if err != nil {
			renderErr = err
			return match
		}
		return s
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

func evaluate(expr string, data *Data, modifiers *Modifiers) (string, error) {
	parts := strings.Split(expr, "|")
	value := data.Get(parts[0])

	for _, part := range parts[1:] {
		name, rawArgs, _ := strings.Cut(part, ":")
		args, err := parseArgs(rawArgs, name)
		if err != nil {
			return "", err
		}
		value, err = modifiers.Apply(name, value, args)
		if err != nil {
			return "", err
		}
	}

	return stringify(value), nil
}

// parseArgs splits colon separated modifier arguments. Quoted arguments are
// strings and may contain colons; bare arguments are ints or booleans.
func parseArgs(raw, modifier string) ([]any, error) {
	var args []any
	for raw != "" {
		if raw[0] == '"' {
			end := strings.IndexByte(raw[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("templating: unterminated argument %d for modifier %q", len(args)+1, modifier)
			}
			args = append(args, raw[1:end+1])
			raw = strings.TrimPrefix(raw[end+2:], ":")
			continue
		}

		blob, rest, _ := strings.Cut(raw, ":")
		raw = rest
		switch blob {
		case "":
			continue
		case "true":
			args = append(args, true)
		case "false":
			args = append(args, false)
		default:
			n, err := strconv.Atoi(blob)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("templating: invalid argument %d for modifier %q", len(args)+1, modifier)
			}
			args = append(args, n)
		}
	}
	return args, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
