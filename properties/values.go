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

package properties

import (
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Values contains the values that have been set for a set of properties.
// Values is not safe for concurrent modification.
type Values struct {
	values map[string]Value
}

// NewValues creates an empty set of values.
func NewValues() *Values {
	return &Values{values: make(map[string]Value)}
}

func (vs *Values) set(value Value) {
	if vs.values == nil {
		vs.values = make(map[string]Value)
	}
	vs.values[value.Property().Key()] = value
}

// Keys returns the keys of all properties that have a value, sorted.
func (vs *Values) Keys() []string {
	keys := make([]string, 0, len(vs.values))
	for k := range vs.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExtractValues converts a map of string parameters into Values. Parameter
// names are matched case-insensitively, either with the key of the property
// (`min_sessions`) or with the key without underscores (`minSessions`).
// Parameters that do not correspond to any of the given properties are
// rejected.
func ExtractValues(props map[string]Property, params map[string]string) (*Values, error) {
	byName := make(map[string]Property, 2*len(props))
	for _, prop := range props {
		byName[prop.Key()] = prop
		byName[strings.ReplaceAll(prop.Key(), "_", "")] = prop
	}
	result := NewValues()
	for name, strVal := range params {
		prop, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unrecognized configuration property %q", name)
		}
		val, err := prop.Convert(strVal)
		if err != nil {
			return nil, err
		}
		value, err := prop.CreateInitialValue(val)
		if err != nil {
			return nil, err
		}
		result.set(value)
	}
	return result, nil
}
