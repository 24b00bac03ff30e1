package aggregate

import (
	"fmt"
	"reflect"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// overlay copies the top-level fields named in data onto state, field by field.
// A named field is replaced as a whole: maps and nested structs are not merged with what state held.
// Fields data does not name keep their value.
func overlay(data []byte, state any) error {
	target := reflect.ValueOf(state)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("state must be a non-nil pointer, got %T", state)
	}

	target = target.Elem()

	fresh := reflect.New(target.Type())
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, fresh.Interface()); err != nil {
		return err
	}

	fresh = fresh.Elem()

	switch target.Kind() {
	case reflect.Struct:
		var named map[string]jsoniter.RawMessage
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &named); err != nil {
			return err
		}

		for key := range named {
			if index, ok := jsonField(target.Type(), key); ok {
				target.FieldByIndex(index).Set(fresh.FieldByIndex(index))
			}
		}
	case reflect.Map:
		if target.IsNil() {
			target.Set(fresh)
			return nil
		}

		entries := fresh.MapRange()
		for entries.Next() {
			target.SetMapIndex(entries.Key(), entries.Value())
		}
	default:
		target.Set(fresh)
	}

	return nil
}

// jsonField finds the exported field a JSON object key decodes into, following the json tags.
// An exact name wins over a case-insensitive one, direct fields win over those of embedded structs.
func jsonField(typ reflect.Type, key string) ([]int, bool) {
	var folded []int

	for i := range typ.NumField() {
		field := typ.Field(i)

		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || !field.IsExported() || (field.Anonymous && name == "") {
			continue
		}

		if name == "" {
			name = field.Name
		}

		if name == key {
			return []int{i}, true
		}

		if folded == nil && strings.EqualFold(name, key) {
			folded = []int{i}
		}
	}

	if folded != nil {
		return folded, true
	}

	for i := range typ.NumField() {
		field := typ.Field(i)
		if !field.Anonymous || field.Tag.Get("json") != "" || field.Type.Kind() != reflect.Struct {
			continue
		}

		if index, ok := jsonField(field.Type, key); ok {
			return append([]int{i}, index...), true
		}
	}

	return nil, false
}
