package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// Sanitize converts a record into a deep-copied Document. Every field the
// record declares is present in the result; absent optional values become
// explicit nulls instead of being omitted.
func Sanitize(record any) (Document, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("sanitize: encode: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("sanitize: record is not an object: %w", err)
	}

	fillNulls(doc, reflect.TypeOf(record))
	return doc, nil
}

// fillNulls adds a nil entry for every json field of t missing from doc,
// descending into nested structs, including those held in slices, arrays
// and maps.
func fillNulls(doc map[string]any, t reflect.Type) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct || t == timeType {
		return
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := jsonName(f)
		if name == "-" {
			continue
		}

		v, ok := doc[name]
		if !ok {
			doc[name] = nil
			continue
		}
		fillValue(v, f.Type)
	}
}

// fillValue applies fillNulls to a decoded value of type t.
func fillValue(v any, t reflect.Type) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch val := v.(type) {
	case map[string]any:
		switch t.Kind() {
		case reflect.Struct:
			fillNulls(val, t)
		case reflect.Map:
			for _, elem := range val {
				fillValue(elem, t.Elem())
			}
		}
	case []any:
		if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
			for _, elem := range val {
				fillValue(elem, t.Elem())
			}
		}
	}
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name := strings.SplitN(tag, ",", 2)[0]
	if name == "" {
		return f.Name
	}
	return name
}
