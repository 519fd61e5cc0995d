package templating

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Data is a case-insensitive tree of bound values. Leaves are strings,
// ints or nil; branches are map[string]any (lower-cased keys) or []any.
type Data struct {
	values map[string]any
}

func newData() Data {
	return Data{values: make(map[string]any)}
}

// Set binds value under key. Booleans become 0/1, floats become strings and
// structs, maps and slices are flattened through their JSON form.
func (d *Data) Set(key string, value any) error {
	if d.values == nil {
		d.values = make(map[string]any)
	}
	v, err := sanitize(value, key)
	if err != nil {
		return err
	}
	d.values[strings.ToLower(key)] = v
	return nil
}

// Get resolves a dotted path such as "user.address.city". Path segments
// match case-insensitively and numeric segments index lists. Missing paths
// resolve to nil.
func (d *Data) Get(path string) any {
	path = strings.ToLower(strings.Trim(strings.TrimSpace(path), "."))
	if path == "" {
		return nil
	}

	var cur any = d.values
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// merge returns a copy of d overlaid with other.
func (d *Data) merge(other Data) Data {
	out := newData()
	for k, v := range d.values {
		out.values[k] = v
	}
	for k, v := range other.values {
		out.values[k] = v
	}
	return out
}

func sanitize(value any, key string) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return v, nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return sanitizeInt(reflect.ValueOf(v), key)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &DataBindError{Key: key, Reason: fmt.Sprintf("JSON encoding failed: %v", err)}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &DataBindError{Key: key, Reason: fmt.Sprintf("JSON decoding failed: %v", err)}
	}
	return sanitizeDecoded(decoded, key)
}

func sanitizeInt(v reflect.Value, key string) (any, error) {
	if v.CanInt() {
		return int(v.Int()), nil
	}
	u := v.Uint()
	if u > math.MaxInt {
		return nil, &DataBindError{Key: key, Reason: "integer overflows int"}
	}
	return int(u), nil
}

// sanitizeDecoded normalizes the output of json.Unmarshal into the Data
// leaf types.
func sanitizeDecoded(value any, key string) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			s, err := sanitizeDecoded(child, key+"."+k)
			if err != nil {
				return nil, err
			}
			out[strings.ToLower(k)] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			s, err := sanitizeDecoded(child, key+"."+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int(v), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return sanitize(v, key)
	}
}
