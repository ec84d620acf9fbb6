// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package properties contains typed configuration properties that can be
// set through the parameters of a connection string.
package properties

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Property defines the public interface for configuration properties.
type Property interface {
	// Key returns the unique key of the Property. Keys are lower case and
	// use underscores to separate words, e.g. `min_sessions`.
	Key() string
	// Description returns a human-readable description of the Property.
	Description() string
	// Convert converts a string to the corresponding value type of the
	// property.
	Convert(value string) (any, error)
	// CreateInitialValue creates a value of the property with the given
	// value. The type of the given value must match the type of the property.
	CreateInitialValue(value any) (Value, error)
}

// CreateProperty is used to create a new Property with a specific type.
// Libraries define the properties they support at initialization time.
func CreateProperty[T comparable](name, description string, defaultValue T, validValues []T, converter func(value string) (T, error)) *TypedProperty[T] {
	return &TypedProperty[T]{
		key:          name,
		description:  description,
		defaultValue: defaultValue,
		validValues:  validValues,
		converter:    converter,
	}
}

var _ Property = (*TypedProperty[any])(nil)

// TypedProperty implements the Property interface for values of type T.
type TypedProperty[T comparable] struct {
	key          string
	description  string
	defaultValue T
	validValues  []T
	converter    func(string) (T, error)
}

func (p *TypedProperty[T]) String() string {
	return p.Key()
}

func (p *TypedProperty[T]) Key() string {
	return p.key
}

func (p *TypedProperty[T]) Description() string {
	return p.description
}

// DefaultValue returns the value that is used when no value has been set.
func (p *TypedProperty[T]) DefaultValue() T {
	return p.defaultValue
}

func (p *TypedProperty[T]) Convert(value string) (any, error) {
	v, err := p.converter(value)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid value for %s: %q: %v", p.key, value, err)
	}
	if err := p.checkValidValue(v); err != nil {
		return nil, err
	}
	return v, nil
}

// CreateInitialValue implements Property.CreateInitialValue.
func (p *TypedProperty[T]) CreateInitialValue(value any) (Value, error) {
	valueT, ok := value.(T)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid type for value: %T", value)
	}
	if err := p.checkValidValue(valueT); err != nil {
		return nil, err
	}
	return &typedValue[T]{property: p, value: valueT}, nil
}

// GetValueOrDefault returns the value of the property in the given Values,
// or the default value of the property if no value has been set.
func (p *TypedProperty[T]) GetValueOrDefault(values *Values) T {
	v, ok := p.GetValue(values)
	if !ok {
		return p.defaultValue
	}
	return v
}

// GetValue returns the value of the property and whether a value has been
// set explicitly.
func (p *TypedProperty[T]) GetValue(values *Values) (T, bool) {
	if values == nil {
		return p.defaultValue, false
	}
	value, ok := values.values[p.key]
	if !ok {
		return p.defaultValue, false
	}
	if tv, ok := value.(*typedValue[T]); ok {
		return tv.value, true
	}
	return p.defaultValue, false
}

// SetValue sets the value of the property in the given Values.
func (p *TypedProperty[T]) SetValue(values *Values, value T) error {
	if err := p.checkValidValue(value); err != nil {
		return err
	}
	values.set(&typedValue[T]{property: p, value: value})
	return nil
}

func (p *TypedProperty[T]) checkValidValue(value T) error {
	if p.validValues == nil {
		return nil
	}
	for _, validValue := range p.validValues {
		if value == validValue {
			return nil
		}
	}
	return status.Errorf(codes.InvalidArgument, "invalid value for %s: %v", p.key, value)
}

// Value is the value of a Property.
type Value interface {
	// Property returns the property that this value is for.
	Property() Property
	// GetValue returns the untyped value.
	GetValue() any
}

type typedValue[T comparable] struct {
	property *TypedProperty[T]
	value    T
}

func (v *typedValue[T]) Property() Property {
	return v.property
}

func (v *typedValue[T]) GetValue() any {
	return v.value
}
