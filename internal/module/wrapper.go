package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

const envelopeKey = "__module__"

// Wrapped makes a live Module transportable to a worker process. Only the
// contract's methods are forwarded, and on the wire it is replaced by the
// module's persisted byte form.
type Wrapped struct {
	m Module
}

var _ Module = (*Wrapped)(nil)

// Wrap returns m wrapped for transport. Wrapping is not nested.
func Wrap(m Module) *Wrapped {
	if w, ok := m.(*Wrapped); ok {
		return w
	}
	return &Wrapped{m: m}
}

// Unwrap returns the module inside a Wrapped, or m itself.
func Unwrap(m Module) Module {
	if w, ok := m.(*Wrapped); ok {
		return w.m
	}
	return m
}

func (w *Wrapped) Kind() string { return w.m.Kind() }

func (w *Wrapped) Save(path string) error { return w.m.Save(path) }

func (w *Wrapped) Run(ctx context.Context, input any) (any, error) { return w.m.Run(ctx, input) }

func (w *Wrapped) MarshalBinary() ([]byte, error) { return w.m.MarshalBinary() }

// WireModule is the transported form of a module.
type WireModule struct {
	Kind  string `json:"kind"`
	State []byte `json:"state"`
}

type envelope struct {
	Module *WireModule `json:"__module__"`
}

// MarshalJSON encodes the module as its kind and persisted state.
func (w *Wrapped) MarshalJSON() ([]byte, error) {
	state, err := w.m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal %s module state: %w", w.m.Kind(), err)
	}
	return json.Marshal(envelope{Module: &WireModule{Kind: w.m.Kind(), State: state}})
}

// WrapArguments returns a copy of args with every Module value wrapped.
func WrapArguments(args Arguments) Arguments {
	out := args.Clone()
	for i, v := range out.Positional {
		if m, ok := v.(Module); ok {
			out.Positional[i] = Wrap(m)
		}
	}
	for k, v := range out.Named {
		if m, ok := v.(Module); ok {
			out.Named[k] = Wrap(m)
		}
	}
	return out
}

// WireArguments is Arguments as received from the wire, before transported
// modules are materialised.
type WireArguments struct {
	Positional []json.RawMessage          `json:"positional,omitempty"`
	Named      map[string]json.RawMessage `json:"named,omitempty"`
}

// ModelPathKey marks an argument object that refers to a model saved on disk,
// as in {"$model_path": "/models/base"}.
const ModelPathKey = "$model_path"

// DecodeArguments turns wire arguments back into Arguments, materialising
// every transported module through cache so that identical state resolves to
// one live instance. References of the form {"$model_path": dir} are loaded
// from disk through the same cache.
func DecodeArguments(catalog *Catalog, cache *Cache, wire WireArguments) (Arguments, error) {
	var args Arguments
	if len(wire.Positional) > 0 {
		args.Positional = make([]any, len(wire.Positional))
		for i, raw := range wire.Positional {
			v, err := decodeValue(catalog, cache, raw)
			if err != nil {
				return Arguments{}, fmt.Errorf("positional argument %d: %w", i, err)
			}
			args.Positional[i] = v
		}
	}
	if len(wire.Named) > 0 {
		args.Named = make(map[string]any, len(wire.Named))
		for name, raw := range wire.Named {
			v, err := decodeValue(catalog, cache, raw)
			if err != nil {
				return Arguments{}, fmt.Errorf("argument %q: %w", name, err)
			}
			args.Named[name] = v
		}
	}
	return args, nil
}

func decodeValue(catalog *Catalog, cache *Cache, raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(ModelPathKey)) {
		var ref map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &ref); err == nil && len(ref) == 1 {
			if rawPath, ok := ref[ModelPathKey]; ok {
				var dir string
				if err := json.Unmarshal(rawPath, &dir); err != nil {
					return nil, fmt.Errorf("%s must be a string", ModelPathKey)
				}
				return LoadPath(catalog, cache, dir)
			}
		}
	}
	if len(trimmed) > 0 && trimmed[0] == '{' && bytes.Contains(trimmed, []byte(envelopeKey)) {
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Module != nil {
			kind, err := catalog.Lookup(env.Module.Kind)
			if err != nil {
				return nil, err
			}
			m, err := cache.FromBytes(kind, env.Module.State)
			if err != nil {
				return nil, fmt.Errorf("materialise %s module: %w", env.Module.Kind, err)
			}
			return m, nil
		}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
