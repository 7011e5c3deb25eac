package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Payload is a VMCP response document: an untyped string-keyed object
// decoded with json.Decoder.UseNumber so integers keep their exact form.
type Payload map[string]any

// Has reports whether key is present, regardless of its value.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the value of key rendered as a string.
// Numbers and booleans are formatted; objects and arrays are not representable.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	return Scalar(v)
}

// Get returns the string value of key, or def when absent or not scalar.
func (p Payload) Get(key, def string) string {
	if s, ok := p.String(key); ok {
		return s
	}
	return def
}

// Int returns the integer value of key.
func (p Payload) Int(key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Strings flattens scalar values into a string map. Non-scalar values are dropped.
func (p Payload) Strings() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		if s, ok := Scalar(v); ok {
			out[k] = s
		}
	}
	return out
}

// Scalar renders a decoded JSON scalar as a string.
func Scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), false
	}
}
