package toolkit

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"zigbee-toolkit/internal/zigbee"
)

// Param returns the raw extra parameter name.
func (r *Request) Param(name string) (interface{}, bool) {
	if r == nil || r.Params == nil {
		return nil, false
	}
	v, ok := r.Params[name]
	if ok && v == nil {
		return nil, false
	}
	return v, ok
}

// Has reports whether the request carries parameter name.
func (r *Request) Has(name string) bool {
	_, ok := r.Param(name)
	return ok
}

// ParamString returns parameter name formatted as a string, or def.
func (r *Request) ParamString(name, def string) string {
	v, ok := r.Param(name)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// ParamUint returns parameter name as an unsigned integer that fits in
// bits. Strings use C-style literal syntax ("0x0006", "6"). A missing
// parameter yields def.
func (r *Request) ParamUint(name string, bits int, def uint64) (uint64, error) {
	v, ok := r.Param(name)
	if !ok {
		return def, nil
	}
	n, err := toUint(v, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: param %s: %v", ErrInvalidData, name, err)
	}
	return n, nil
}

// ParamInt returns parameter name as a signed integer.
func (r *Request) ParamInt(name string, def int64) (int64, error) {
	v, ok := r.Param(name)
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case float64:
		if val != math.Trunc(val) {
			return 0, fmt.Errorf("%w: param %s: %v is not an integer", ErrInvalidData, name, val)
		}
		return int64(val), nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case json.Number:
		return parseInt(name, val.String())
	case string:
		return parseInt(name, val)
	}
	return 0, fmt.Errorf("%w: param %s: unexpected %T", ErrInvalidData, name, v)
}

// ParamBool returns parameter name as a bool. Strings accept the forms
// strconv.ParseBool does plus "yes"/"no"/"on"/"off".
func (r *Request) ParamBool(name string, def bool) (bool, error) {
	v, ok := r.Param(name)
	if !ok {
		return def, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case float64:
		return val != 0, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return false, fmt.Errorf("%w: param %s: %q is not a bool", ErrInvalidData, name, val)
		}
		return f != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "yes", "on":
			return true, nil
		case "no", "off", "":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, fmt.Errorf("%w: param %s: %q is not a bool", ErrInvalidData, name, val)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: param %s: unexpected %T", ErrInvalidData, name, v)
}

// ParamList returns parameter name as a list. A string is split on commas
// and each element trimmed; a scalar becomes a one-element list.
func (r *Request) ParamList(name string) []interface{} {
	v, ok := r.Param(name)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case []interface{}:
		return val
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		parts := strings.Split(val, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return []interface{}{v}
}

// DataUint parses the command data as an unsigned integer of bits width.
func (inv *Invocation) DataUint(bits int) (uint64, error) {
	if strings.TrimSpace(inv.Data) == "" {
		return 0, fmt.Errorf("%w: %s needs command data", ErrInvalidData, inv.Command)
	}
	n, err := zigbee.ParseUint(inv.Data, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidData, inv.Command, err)
	}
	return n, nil
}

// HasData reports whether command data was supplied.
func (inv *Invocation) HasData() bool {
	return strings.TrimSpace(inv.Data) != ""
}

func toUint(v interface{}, bits int) (uint64, error) {
	max := uint64(math.MaxUint64)
	if bits < 64 {
		max = 1<<uint(bits) - 1
	}
	var n uint64
	switch val := v.(type) {
	case float64:
		if val < 0 || val != math.Trunc(val) || val > float64(max) {
			return 0, fmt.Errorf("%v out of range for %d bits", val, bits)
		}
		n = uint64(val)
	case int:
		if val < 0 {
			return 0, fmt.Errorf("%d is negative", val)
		}
		n = uint64(val)
	case int64:
		if val < 0 {
			return 0, fmt.Errorf("%d is negative", val)
		}
		n = uint64(val)
	case uint64:
		n = val
	case json.Number:
		return zigbee.ParseUint(val.String(), bits)
	case string:
		return zigbee.ParseUint(val, bits)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
	if n > max {
		return 0, fmt.Errorf("%d out of range for %d bits", n, bits)
	}
	return n, nil
}

func parseInt(name, s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: param %s: %q is not an integer", ErrInvalidData, name, s)
	}
	return n, nil
}
