// Package payload renders profit sharing operations into the key/value shapes the
// WeChat Pay v3 API expects.
//
// Every builder lists its fields declaratively and goes through build, so the
// "present and non-empty, otherwise omit" rule is applied the same way everywhere.
package payload

import (
	"reflect"
	"strings"

	"profitshare/domain"
)

// Payload is the wire form of a request. Values are strings, int64, bool,
// []Payload or nested Payload.
type Payload map[string]any

// Request is implemented by every builder.
type Request interface {
	Operation() domain.OperationType
	Payload() Payload
}

type field struct {
	key      string
	value    any
	required bool
}

func req(key string, value any) field { return field{key: key, value: value, required: true} }

func opt(key string, value any) field { return field{key: key, value: value} }

func build(fields ...field) Payload {
	out := make(Payload, len(fields))
	for _, f := range fields {
		if f.required || present(f.value) {
			out[f.key] = f.value
		}
	}
	return out
}

// present reports whether an optional value should reach the wire.
// nil, "", false, nil pointers and empty slices/maps are absent.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case bool:
		return x
	case *string:
		return x != nil && strings.TrimSpace(*x) != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

func requireString(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", domain.InvalidArgument("%s 不能为空", name)
	}
	return v, nil
}

func requirePositive(name string, v int64) error {
	if v <= 0 {
		return domain.InvalidArgument("%s 必须为正数(分)，got=%d", name, v)
	}
	return nil
}
