package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

const (
	BytesSerializerID   int32 = 4
	StringSerializerID  int32 = 20
	RawJSONSerializerID int32 = 21
	JSONSerializerID    int32 = 30
)

var rawJSONSample = json.RawMessage(nil)

// BytesSerializer passes []byte through unchanged.
type BytesSerializer struct{}

func (BytesSerializer) Identifier() int32 { return BytesSerializerID }

func (BytesSerializer) ToBinary(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return b, nil
}

func (BytesSerializer) FromBinary(data []byte, _ string) (any, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// StringSerializer stores strings as UTF-8.
type StringSerializer struct{}

func (StringSerializer) Identifier() int32 { return StringSerializerID }

func (StringSerializer) ToBinary(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return []byte(s), nil
}

func (StringSerializer) FromBinary(data []byte, _ string) (any, error) {
	return string(data), nil
}

// RawJSONSerializer stores json.RawMessage documents as they are.
type RawJSONSerializer struct{}

func (RawJSONSerializer) Identifier() int32 { return RawJSONSerializerID }

func (RawJSONSerializer) ToBinary(v any) ([]byte, error) {
	m, ok := v.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	if !json.Valid(m) {
		return nil, fmt.Errorf("%w: invalid JSON document", ErrMalformed)
	}
	return []byte(m), nil
}

func (RawJSONSerializer) FromBinary(data []byte, _ string) (any, error) {
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out, nil
}

// JSONSerializer encodes application structs as JSON. The manifest names
// the Go type so several shapes can share one serializer id.
type JSONSerializer struct {
	id int32

	mu     sync.RWMutex
	names  map[reflect.Type]string
	byName map[string]reflect.Type
}

func NewJSONSerializer(id int32) *JSONSerializer {
	if id == 0 {
		id = JSONSerializerID
	}
	return &JSONSerializer{
		id:     id,
		names:  map[reflect.Type]string{},
		byName: map[string]reflect.Type{},
	}
}

// RegisterJSON binds T under name in s and registers s for T in r.
func RegisterJSON[T any](r *Registry, s *JSONSerializer, name string) error {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Errorf("%w: JSON binding needs a concrete type", ErrConflict)
	}
	s.mu.Lock()
	if prev, ok := s.byName[name]; ok && prev != t {
		s.mu.Unlock()
		return fmt.Errorf("%w: manifest %q already names %v", ErrConflict, name, prev)
	}
	s.names[t] = name
	s.byName[name] = t
	s.mu.Unlock()
	return r.Register(s, zero)
}

func (s *JSONSerializer) Identifier() int32 { return s.id }

func (s *JSONSerializer) Manifest(v any) (string, error) {
	s.mu.RLock()
	name, ok := s.names[reflect.TypeOf(v)]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return name, nil
}

func (s *JSONSerializer) ToBinary(v any) ([]byte, error) {
	if _, err := s.Manifest(v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *JSONSerializer) FromBinary(data []byte, manifest string) (any, error) {
	s.mu.RLock()
	t, ok := s.byName[manifest]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: manifest %q", ErrUnsupported, manifest)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ptr.Elem().Interface(), nil
}
