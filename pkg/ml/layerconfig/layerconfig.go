// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

/*
Package layerconfig serializes layer configurations to JSON with an explicit variant tag, so a list of
heterogeneous layers can be saved and rebuilt.

Each layer is encoded as an envelope holding its class name, its package and its own configuration:

	{
	  "class_name": "WindowAttention",
	  "package": "gcvit",
	  "config": {"window_size": 7, "num_heads": 4, "qkv_bias": true, "attn_dropout": 0, "proj_dropout": 0}
	}

A layer type takes part by:

 1. Implementing Layer, reporting its class name and package in LayerTags.
 2. Marshaling to (and unmarshaling from) its plain configuration, via json.Marshaler/json.Unmarshaler
    or plain struct tags. UnmarshalJSON is the place to validate the configuration.
 3. Registering a constructor of its zero value, usually in an init function.

For example:

	func init() {
		layerconfig.Register(func() *WindowAttention { return &WindowAttention{} })
	}

Decoding an unknown (package, class name) pair is an error.
*/
package layerconfig

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Layer is implemented by every layer type that can be serialized.
type Layer interface {
	// LayerTags returns the unique class name of the concrete type, and the package (namespace)
	// it belongs to.
	LayerTags() (className, packageName string)
}

var (
	// registry maps package name to class name to the constructor of an empty layer.
	registry = make(map[string]map[string]func() Layer)

	registryMu sync.RWMutex
)

// Register registers a concrete layer type T using the tags reported by the instance the
// constructor returns. Registering the same tags twice replaces the previous constructor.
func Register[T Layer](constructor func() T) {
	registryMu.Lock()
	defer registryMu.Unlock()

	className, packageName := constructor().LayerTags()
	if _, exists := registry[packageName]; !exists {
		registry[packageName] = make(map[string]func() Layer)
	}
	registry[packageName][className] = func() Layer { return constructor() }
}

// ClassNames returns the class names registered for the given package, in no particular order.
func ClassNames(packageName string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry[packageName]))
	for name := range registry[packageName] {
		names = append(names, name)
	}
	return names
}

// Envelope is the JSON representation of one layer.
type Envelope struct {
	ClassName string          `json:"class_name"`
	Package   string          `json:"package"`
	Config    json.RawMessage `json:"config"`
}

// Marshal encodes the layer in its Envelope.
func Marshal(layer Layer) ([]byte, error) {
	env, err := toEnvelope(layer)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(layer Layer) (*Envelope, error) {
	if layer == nil {
		return nil, errors.New("layerconfig: cannot marshal a nil layer")
	}
	className, packageName := layer.LayerTags()
	config, err := json.Marshal(layer)
	if err != nil {
		return nil, errors.Wrapf(err, "layerconfig: failed to marshal config of %s.%s", packageName, className)
	}
	return &Envelope{ClassName: className, Package: packageName, Config: config}, nil
}

// Unmarshal decodes a layer from its Envelope, creating the concrete type registered for its tags.
func Unmarshal(data []byte) (Layer, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "layerconfig: failed to read layer envelope")
	}
	return fromEnvelope(&env)
}

func fromEnvelope(env *Envelope) (Layer, error) {
	registryMu.RLock()
	constructor, found := registry[env.Package][env.ClassName]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Errorf("layerconfig: unknown layer class %q in package %q", env.ClassName, env.Package)
	}
	layer := constructor()
	if len(env.Config) == 0 {
		return nil, errors.Errorf("layerconfig: missing config for layer %s.%s", env.Package, env.ClassName)
	}
	if err := json.Unmarshal(env.Config, layer); err != nil {
		return nil, errors.Wrapf(err, "layerconfig: invalid config for layer %s.%s", env.Package, env.ClassName)
	}
	return layer, nil
}

// UnmarshalAs decodes a layer and checks that it has the concrete type T.
func UnmarshalAs[T Layer](data []byte) (T, error) {
	var zero T
	layer, err := Unmarshal(data)
	if err != nil {
		return zero, err
	}
	typed, ok := layer.(T)
	if !ok {
		className, packageName := layer.LayerTags()
		return zero, errors.Errorf("layerconfig: layer %s.%s has type %T, expected %T", packageName, className, layer, zero)
	}
	return typed, nil
}

// Stack is an ordered list of layers, encoded as a JSON array of envelopes.
type Stack []Layer

// MarshalJSON implements json.Marshaler.
func (s Stack) MarshalJSON() ([]byte, error) {
	envs := make([]*Envelope, 0, len(s))
	for ii, layer := range s {
		env, err := toEnvelope(layer)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer #%d", ii)
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stack) UnmarshalJSON(data []byte) error {
	var envs []*Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return errors.Wrap(err, "layerconfig: a stack must be a JSON array of layers")
	}
	stack := make(Stack, 0, len(envs))
	for ii, env := range envs {
		if env == nil {
			return errors.Errorf("layerconfig: layer #%d is null", ii)
		}
		layer, err := fromEnvelope(env)
		if err != nil {
			return errors.WithMessagef(err, "layer #%d", ii)
		}
		stack = append(stack, layer)
	}
	*s = stack
	return nil
}

// Find returns the first layer in the stack with the concrete type T.
func Find[T Layer](s Stack) (T, bool) {
	for _, layer := range s {
		if typed, ok := layer.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}
