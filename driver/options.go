package driver

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Options map names to driver specific configuration values, given when a driver is created.
//
// Supported value types are the ones a configuration file can express: string, int64, []int64, float32,
// float64 and bool. Plain int values, and lists of integers decoded as []any, are accepted and normalized
// to int64 by Normalize.
type Options map[string]any

// Normalize converts int and []int values to int64 and []int64, and returns an error for unsupported types.
func (o Options) Normalize() error {
	for key, anyValue := range o {
		switch value := anyValue.(type) {
		case string, int64, []int64, float32, float64, bool:
			// Supported as is.
		case int:
			o[key] = int64(value)
		case []int:
			values := make([]int64, len(value))
			for ii, v := range value {
				values[ii] = int64(v)
			}
			o[key] = values
		case []any:
			values := make([]int64, len(value))
			for ii, v := range value {
				n, ok := asInt64(v)
				if !ok {
					return errors.Errorf("option %q list element #%d is %T (value=%v), only integer lists are supported",
						key, ii, v, v)
				}
				values[ii] = n
			}
			o[key] = values
		default:
			return errors.Errorf("option %q was set to unsupported type %T (value=%v). "+
				"Only values of type string, int64, []int64, float32, float64 and bool are supported.",
				key, value, value)
		}
	}
	return nil
}

// Int64 returns the option as an int64, or defaultValue if not set.
func (o Options) Int64(key string, defaultValue int64) (int64, error) {
	anyValue, found := o[key]
	if !found {
		return defaultValue, nil
	}
	if value, ok := asInt64(anyValue); ok {
		return value, nil
	}
	return defaultValue, errors.Errorf("option %q must be an int64, got %T", key, anyValue)
}

// Int64List returns the option as a []int64. A single int64 value is returned as a list of one element.
func (o Options) Int64List(key string) ([]int64, error) {
	anyValue, found := o[key]
	if !found {
		return nil, nil
	}
	switch value := anyValue.(type) {
	case []int64:
		return value, nil
	case []int:
		values := make([]int64, len(value))
		for ii, v := range value {
			values[ii] = int64(v)
		}
		return values, nil
	}
	if value, ok := asInt64(anyValue); ok {
		return []int64{value}, nil
	}
	return nil, errors.Errorf("option %q must be an int64 or []int64, got %T", key, anyValue)
}

// asInt64 converts integer values, including float64 holding an integer (as decoded from JSON).
func asInt64(anyValue any) (int64, bool) {
	switch value := anyValue.(type) {
	case int64:
		return value, true
	case int:
		return int64(value), true
	case float64:
		if value == math.Trunc(value) {
			return int64(value), true
		}
	}
	return 0, false
}

// Bool returns the option as a bool, or defaultValue if not set.
func (o Options) Bool(key string, defaultValue bool) (bool, error) {
	anyValue, found := o[key]
	if !found {
		return defaultValue, nil
	}
	value, ok := anyValue.(bool)
	if !ok {
		return defaultValue, errors.Errorf("option %q must be a bool, got %T", key, anyValue)
	}
	return value, nil
}

// String implements fmt.Stringer, with keys sorted.
func (o Options) String() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for ii, k := range keys {
		parts[ii] = fmt.Sprintf("%s=%v", k, o[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
