package templating

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// DefaultDateFormat is used by the date modifier when no format is given.
const DefaultDateFormat = "d M Y H:i A"

// Modifier transforms a bound value. args holds the parsed arguments, each
// a string, int or bool.
type Modifier func(value any, args []any) (any, error)

// Modifiers is a registry of named modifiers. Names are case-insensitive.
type Modifiers struct {
	mu       sync.RWMutex
	registry map[string]Modifier
	location *time.Location
}

// NewModifiers returns a registry holding the default modifiers: json,
// date, strtoupper, strtolower, ucfirst, ucwords and trim.
func NewModifiers() *Modifiers {
	m := &Modifiers{
		registry: make(map[string]Modifier),
		location: time.UTC,
	}
	m.registerDefaults()
	return m
}

// Register adds or replaces a modifier.
func (m *Modifiers) Register(name string, fn Modifier) *Modifiers {
	m.mu.Lock()
	m.registry[strings.ToLower(name)] = fn
	m.mu.Unlock()
	return m
}

// SetLocation sets the time zone used by the date modifier.
func (m *Modifiers) SetLocation(loc *time.Location) {
	m.mu.Lock()
	m.location = loc
	m.mu.Unlock()
}

// Apply runs the named modifier.
func (m *Modifiers) Apply(name string, value any, args []any) (any, error) {
	m.mu.RLock()
	fn, ok := m.registry[strings.ToLower(name)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModifier, name)
	}

	out, err := fn(value, args)
	if err != nil {
		return nil, &ModifierError{Modifier: name, Err: err}
	}
	return out, nil
}

func (m *Modifiers) registerDefaults() {
	m.Register("json", func(value any, _ []any) (any, error) {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	})

	m.Register("date", func(value any, args []any) (any, error) {
		ts, ok := value.(int)
		if !ok || ts < 0 {
			return nil, errors.New("invalid timestamp")
		}
		format := DefaultDateFormat
		if len(args) > 0 {
			s, ok := args[0].(string)
			if !ok {
				return nil, errors.New("invalid format")
			}
			format = s
		}
		m.mu.RLock()
		loc := m.location
		m.mu.RUnlock()
		return formatDate(time.Unix(int64(ts), 0).In(loc), format), nil
	})

	m.Register("strtoupper", stringModifier(strings.ToUpper))
	m.Register("strtolower", stringModifier(strings.ToLower))
	m.Register("ucfirst", stringModifier(upperFirst))
	m.Register("ucwords", stringModifier(upperWords))
	m.Register("trim", stringModifier(strings.TrimSpace))
}

// stringModifier applies fn to string values; anything else becomes nil.
func stringModifier(fn func(string) string) Modifier {
	return func(value any, _ []any) (any, error) {
		s, ok := value.(string)
		if !ok {
			return nil, nil
		}
		return fn(s), nil
	}
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func upperWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	start := true
	for _, r := range s {
		if start {
			r = unicode.ToUpper(r)
		}
		start = unicode.IsSpace(r)
		b.WriteRune(r)
	}
	return b.String()
}

// phpLayout maps date() format characters onto Go reference layout
// fragments.
var phpLayout = map[byte]string{
	'd': "02",
	'D': "Mon",
	'j': "2",
	'l': "Monday",
	'm': "01",
	'M': "Jan",
	'n': "1",
	'F': "January",
	'y': "06",
	'Y': "2006",
	'H': "15",
	'h': "03",
	'g': "3",
	'i': "04",
	's': "05",
	'A': "PM",
	'a': "pm",
	'T': "MST",
	'P': "-07:00",
	'O': "-0700",
}

// formatDate renders t with a date() style format. Unknown characters are
// copied as is and a backslash escapes the next character.
func formatDate(t time.Time, format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case c == '\\' && i+1 < len(format):
			i++
			b.WriteByte(format[i])
		case c == 'G':
			fmt.Fprintf(&b, "%d", t.Hour())
		case c == 'U':
			fmt.Fprintf(&b, "%d", t.Unix())
		default:
			if layout, ok := phpLayout[c]; ok {
				b.WriteString(t.Format(layout))
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
