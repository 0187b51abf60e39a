package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrNoSerializer = errors.New("no serializer")
	ErrConflict     = errors.New("serializer binding conflict")
	ErrUnsupported  = errors.New("unsupported type or manifest")
	ErrMalformed    = errors.New("malformed payload")
)

// Serializer turns values of the types bound to it into bytes and back.
type Serializer interface {
	Identifier() int32
	ToBinary(v any) ([]byte, error)
	FromBinary(data []byte, manifest string) (any, error)
}

// ManifestSerializer needs a manifest to tell its record shapes apart.
type ManifestSerializer interface {
	Serializer
	Manifest(v any) (string, error)
}

// Envelope is a serialized payload as it is nested in reminder records.
type Envelope struct {
	SerializerID int32
	Manifest     string
	Body         []byte
}

// Registry resolves serializers by the dynamic type of a value and by id.
// Bindings never change once made, so lookups are stable for the life of
// the process.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int32]Serializer
	byType map[reflect.Type]Serializer
}

// NewRegistry returns a registry with the built-in serializers bound.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   map[int32]Serializer{},
		byType: map[reflect.Type]Serializer{},
	}
	r.MustRegister(BytesSerializer{}, []byte(nil))
	r.MustRegister(StringSerializer{}, "")
	r.MustRegister(RawJSONSerializer{}, rawJSONSample)
	return r
}

// Register adds s and binds the dynamic types of samples to it.
func (r *Registry) Register(s Serializer, samples ...any) error {
	if s == nil {
		return fmt.Errorf("%w: nil serializer", ErrConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.Identifier()
	if prev, ok := r.byID[id]; ok && prev != s {
		return fmt.Errorf("%w: id %d already used by %T", ErrConflict, id, prev)
	}
	types := make([]reflect.Type, 0, len(samples))
	for _, sample := range samples {
		t := reflect.TypeOf(sample)
		if t == nil {
			return fmt.Errorf("%w: cannot bind nil sample", ErrConflict)
		}
		if prev, ok := r.byType[t]; ok && prev != s {
			return fmt.Errorf("%w: %v already bound to serializer %d", ErrConflict, t, prev.Identifier())
		}
		types = append(types, t)
	}
	r.byID[id] = s
	for _, t := range types {
		r.byType[t] = s
	}
	return nil
}

func (r *Registry) MustRegister(s Serializer, samples ...any) {
	if err := r.Register(s, samples...); err != nil {
		panic(err)
	}
}

// FindFor returns the serializer bound to the dynamic type of v.
func (r *Registry) FindFor(v any) (Serializer, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("%w for <nil>", ErrNoSerializer)
	}
	r.mu.RLock()
	s, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %v", ErrNoSerializer, t)
	}
	return s, nil
}

func (r *Registry) ByID(id int32) (Serializer, error) {
	r.mu.RLock()
	s, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w with id %d", ErrNoSerializer, id)
	}
	return s, nil
}

// Serialize wraps v in an envelope. The manifest is only set when the
// resolved serializer is a ManifestSerializer.
func (r *Registry) Serialize(v any) (Envelope, error) {
	s, err := r.FindFor(v)
	if err != nil {
		return Envelope{}, err
	}
	body, err := s.ToBinary(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("serializer %d: %w", s.Identifier(), err)
	}
	env := Envelope{SerializerID: s.Identifier(), Body: body}
	if ms, ok := s.(ManifestSerializer); ok {
		if env.Manifest, err = ms.Manifest(v); err != nil {
			return Envelope{}, fmt.Errorf("serializer %d manifest: %w", s.Identifier(), err)
		}
	}
	return env, nil
}

func (r *Registry) Deserialize(env Envelope) (any, error) {
	s, err := r.ByID(env.SerializerID)
	if err != nil {
		return nil, err
	}
	v, err := s.FromBinary(env.Body, env.Manifest)
	if err != nil {
		return nil, fmt.Errorf("serializer %d: %w", env.SerializerID, err)
	}
	return v, nil
}
