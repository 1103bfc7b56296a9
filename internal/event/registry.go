package event

import (
	"encoding/json"
	"fmt"
	"sort"
)

type decodeFunc func(data []byte) (Event, error)

// known lists every event type this binary can construct. A Registry trusts a
// subset of it; nothing outside this table can be produced by Decode.
var known = map[string]decodeFunc{
	TypeTaskStatusChanged: decodeTaskStatusChanged,
}

// KnownTypes returns the type tags compiled into this binary.
func KnownTypes() []string {
	types := make([]string, 0, len(known))
	for t := range known {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Registry decodes envelopes whose type tag is on its allowlist.
type Registry struct {
	decoders map[string]decodeFunc
}

// NewRegistry builds a registry trusting the given type tags. Every tag must be
// a known type; an empty list trusts all known types.
func NewRegistry(trusted ...string) (*Registry, error) {
	if len(trusted) == 0 {
		trusted = KnownTypes()
	}

	decoders := make(map[string]decodeFunc, len(trusted))
	for _, t := range trusted {
		fn, ok := known[t]
		if !ok {
			return nil, fmt.Errorf("cannot trust unknown event type %q", t)
		}
		decoders[t] = fn
	}
	return &Registry{decoders: decoders}, nil
}

// Trusts reports whether tag is on the allowlist.
func (r *Registry) Trusts(tag string) bool {
	_, ok := r.decoders[tag]
	return ok
}

type typeField struct {
	Type *string `json:"type"`
}

// Decode parses data into a trusted event. It fails as a unit: on error the
// returned event is always nil.
func (r *Registry) Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var head typeField
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil || *head.Type == "" {
		return nil, ErrMissingType
	}

	decode, ok := r.decoders[*head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUntrustedType, *head.Type)
	}

	ev, err := decode(data)
	if err != nil {
		return nil, err
	}
	return ev, nil
}
