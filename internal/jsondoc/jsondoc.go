// Package jsondoc models decoded JSON payloads as a closed set of kinds and
// provides a recursive visitor over them.
//
// A Value is always one of: nil, bool, json.Number, string, []any or
// map[string]any. Decode is the only constructor that guarantees this.
package jsondoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Kind enumerates the JSON value kinds.
type Kind int

// JSON value kinds.
const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a decoded JSON value.
type Value = any

// Document pairs a decoded value with the compact bytes it came from.
type Document struct {
	Raw   json.RawMessage
	Value Value
}

// Kind returns the kind of the document's top-level value.
func (d *Document) Kind() Kind {
	return KindOf(d.Value)
}

// Decode parses data as exactly one JSON value.
func Decode(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode json: trailing data after value")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("compact json: %w", err)
	}
	return &Document{Raw: compact.Bytes(), Value: v}, nil
}

// KindOf classifies v. Values outside the closed set report Null.
func KindOf(v Value) Kind {
	switch v.(type) {
	case bool:
		return Bool
	case json.Number, float64:
		return Number
	case string:
		return String
	case []any:
		return Array
	case map[string]any:
		return Object
	default:
		return Null
	}
}

// Walk visits v and every nested value depth-first, parents before children.
func Walk(v Value, visit func(Value)) {
	visit(v)
	switch t := v.(type) {
	case []any:
		for _, elem := range t {
			Walk(elem, visit)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			Walk(t[k], visit)
		}
	}
}

// Strings calls fn for every string leaf reachable from v.
func Strings(v Value, fn func(string)) {
	Walk(v, func(node Value) {
		if s, ok := node.(string); ok {
			fn(s)
		}
	})
}

// Keys returns the sorted keys of an object, or nil for any other kind.
func Keys(v Value) []string {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return sortedKeys(obj)
}

// Field returns obj[key] when v is an object.
func Field(v Value, key string) (Value, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	f, ok := obj[key]
	return f, ok
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
