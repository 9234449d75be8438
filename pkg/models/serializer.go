package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Serializer encodes and decodes request and result payloads.
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte) (interface{}, error)
}

// JSONSerializer round-trips nil, bools, strings, integers, floats, lists and
// string-keyed maps. Integral numbers decode to int64, the rest to float64.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Deserialize(data []byte) (interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	default:
		return v
	}
}

// DecodeArgs decodes a positional argument list. Empty input is an empty list.
func DecodeArgs(s Serializer, raw []byte) ([]interface{}, error) {
	v, err := s.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return []interface{}{}, nil
	case []interface{}:
		return t, nil
	default:
		return nil, fmt.Errorf("args must be a list, got %T", v)
	}
}

// DecodeKwargs decodes a keyword argument mapping. Empty input is an empty map.
func DecodeKwargs(s Serializer, raw []byte) (map[string]interface{}, error) {
	v, err := s.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return t, nil
	default:
		return nil, fmt.Errorf("kwargs must be a mapping, got %T", v)
	}
}
