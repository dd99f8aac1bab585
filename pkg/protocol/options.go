package protocol

import "fmt"

// Options wraps a task's free-form option map with typed accessors. Values
// carry whatever types the YAML decoder produced; accessors coerce the
// common cases and fall back when the key is absent or has the wrong shape.
type Options map[string]any

func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o Options) String(key, fallback string) string {
	if value, ok := o[key].(string); ok {
		return value
	}

	return fallback
}

func (o Options) Bool(key string, fallback bool) bool {
	if value, ok := o[key].(bool); ok {
		return value
	}

	return fallback
}

func (o Options) Int(key string, fallback int) int {
	switch value := o[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return fallback
	}
}

// StringSlice returns the list under key with every element rendered as a
// string. A missing key or a non-list value yields nil.
func (o Options) StringSlice(key string) []string {
	list, ok := o[key].([]any)
	if !ok {
		return nil
	}

	values := make([]string, 0, len(list))

	for _, element := range list {
		if element == nil {
			continue
		}

		if s, ok := element.(string); ok {
			values = append(values, s)
			continue
		}

		values = append(values, fmt.Sprint(element))
	}

	return values
}

// Slice returns the raw list under key, nil when absent.
func (o Options) Slice(key string) []any {
	list, _ := o[key].([]any)
	return list
}

// Map returns the nested mapping under key as Options, nil when absent.
func (o Options) Map(key string) Options {
	value, _ := o[key].(map[string]any)
	if value == nil {
		return nil
	}

	return Options(value)
}

// Params returns the task's template variable bag (the params sub-mapping).
func (o Options) Params() Options {
	return o.Map("params")
}
