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

package spannerclient

import (
	"encoding/base64"
	"math"
	"reflect"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Statement is a SQL statement with named query parameters. Parameters are
// referenced in the SQL string as @name (GoogleSQL) or $n (PostgreSQL).
type Statement struct {
	SQL    string
	Params map[string]any
}

// NewStatement returns a statement without parameters.
func NewStatement(sql string) Statement {
	return Statement{SQL: sql, Params: map[string]any{}}
}

func (s Statement) paramsProto() (*structpb.Struct, map[string]*spannerpb.Type, error) {
	if len(s.Params) == 0 {
		return nil, nil, nil
	}
	params := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(s.Params))}
	types := make(map[string]*spannerpb.Type, len(s.Params))
	for name, v := range s.Params {
		value, typ, err := encodeValue(v)
		if err != nil {
			return nil, nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "failed to encode parameter %q: %v", name, spanner.ErrDesc(err)))
		}
		params.Fields[name] = value
		if typ != nil {
			types[name] = typ
		}
	}
	return params, types, nil
}

// QueryOptions are the options for a query or a DML statement.
type QueryOptions struct {
	// RequestTag is attached to this request only.
	RequestTag string
	Priority   spannerpb.RequestOptions_Priority
	// DataBoostEnabled is only used for partitioned queries.
	DataBoostEnabled bool
	Options          *spannerpb.ExecuteSqlRequest_QueryOptions
}

// ReadRequest reads rows from a table or an index.
type ReadRequest struct {
	Table   string
	Index   string
	Columns []string
	Keys    KeySet
	// Limit is the maximum number of rows to return. Zero means no limit.
	Limit            int64
	RequestTag       string
	Priority         spannerpb.RequestOptions_Priority
	DataBoostEnabled bool
}

// KeySet is a set of primary keys or index keys.
type KeySet interface {
	keySetProto() (*spannerpb.KeySet, error)
}

type allKeys struct{}

func (allKeys) keySetProto() (*spannerpb.KeySet, error) {
	return &spannerpb.KeySet{All: true}, nil
}

// AllKeys returns a key set that contains all keys of a table or index.
func AllKeys() KeySet {
	return allKeys{}
}

// Key is a primary key or an index key. A Key is also a KeySet that contains
// only that key.
type Key []any

func (k Key) listValue() (*structpb.ListValue, error) {
	values := make([]*structpb.Value, len(k))
	for i, part := range k {
		v, _, err := encodeValue(part)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &structpb.ListValue{Values: values}, nil
}

func (k Key) keySetProto() (*spannerpb.KeySet, error) {
	lv, err := k.listValue()
	if err != nil {
		return nil, err
	}
	return &spannerpb.KeySet{Keys: []*structpb.ListValue{lv}}, nil
}

// KeyRangeKind determines whether the endpoints of a KeyRange are included.
type KeyRangeKind int

const (
	// ClosedOpen includes Start and excludes End.
	ClosedOpen KeyRangeKind = iota
	ClosedClosed
	OpenClosed
	OpenOpen
)

// KeyRange is a range of keys.
type KeyRange struct {
	Start, End Key
	Kind       KeyRangeKind
}

func (r KeyRange) rangeProto() (*spannerpb.KeyRange, error) {
	start, err := r.Start.listValue()
	if err != nil {
		return nil, err
	}
	end, err := r.End.listValue()
	if err != nil {
		return nil, err
	}
	kr := &spannerpb.KeyRange{}
	if r.Kind == OpenClosed || r.Kind == OpenOpen {
		kr.StartKeyType = &spannerpb.KeyRange_StartOpen{StartOpen: start}
	} else {
		kr.StartKeyType = &spannerpb.KeyRange_StartClosed{StartClosed: start}
	}
	if r.Kind == ClosedClosed || r.Kind == OpenClosed {
		kr.EndKeyType = &spannerpb.KeyRange_EndClosed{EndClosed: end}
	} else {
		kr.EndKeyType = &spannerpb.KeyRange_EndOpen{EndOpen: end}
	}
	return kr, nil
}

func (r KeyRange) keySetProto() (*spannerpb.KeySet, error) {
	kr, err := r.rangeProto()
	if err != nil {
		return nil, err
	}
	return &spannerpb.KeySet{Ranges: []*spannerpb.KeyRange{kr}}, nil
}

// KeySets returns the union of the given key sets.
func KeySets(sets ...KeySet) KeySet {
	return keySetUnion(sets)
}

type keySetUnion []KeySet

func (u keySetUnion) keySetProto() (*spannerpb.KeySet, error) {
	union := &spannerpb.KeySet{}
	for _, s := range u {
		pb, err := s.keySetProto()
		if err != nil {
			return nil, err
		}
		if pb.All {
			return &spannerpb.KeySet{All: true}, nil
		}
		union.Keys = append(union.Keys, pb.Keys...)
		union.Ranges = append(union.Ranges, pb.Ranges...)
	}
	return union, nil
}

func typeOf(code spannerpb.TypeCode) *spannerpb.Type {
	return &spannerpb.Type{Code: code}
}

// encodeValue encodes a Go value as a Spanner value. The returned type is nil
// for untyped NULL values.
func encodeValue(v any) (*structpb.Value, *spannerpb.Type, error) {
	switch v := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil, nil
	case *structpb.Value:
		return v, nil, nil
	case spanner.GenericColumnValue:
		return v.Value, v.Type, nil
	case *spanner.GenericColumnValue:
		return v.Value, v.Type, nil
	case string:
		return structpb.NewStringValue(v), typeOf(spannerpb.TypeCode_STRING), nil
	case []byte:
		if v == nil {
			return structpb.NewNullValue(), typeOf(spannerpb.TypeCode_BYTES), nil
		}
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v)), typeOf(spannerpb.TypeCode_BYTES), nil
	case bool:
		return structpb.NewBoolValue(v), typeOf(spannerpb.TypeCode_BOOL), nil
	case int:
		return structpb.NewStringValue(strconv.FormatInt(int64(v), 10)), typeOf(spannerpb.TypeCode_INT64), nil
	case int32:
		return structpb.NewStringValue(strconv.FormatInt(int64(v), 10)), typeOf(spannerpb.TypeCode_INT64), nil
	case int64:
		return structpb.NewStringValue(strconv.FormatInt(v, 10)), typeOf(spannerpb.TypeCode_INT64), nil
	case float32:
		return floatValue(float64(v)), typeOf(spannerpb.TypeCode_FLOAT32), nil
	case float64:
		return floatValue(v), typeOf(spannerpb.TypeCode_FLOAT64), nil
	case time.Time:
		return structpb.NewStringValue(v.UTC().Format(time.RFC3339Nano)), typeOf(spannerpb.TypeCode_TIMESTAMP), nil
	case civil.Date:
		return structpb.NewStringValue(v.String()), typeOf(spannerpb.TypeCode_DATE), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			_, typ, err := encodeValue(reflect.Zero(rv.Type().Elem()).Interface())
			return structpb.NewNullValue(), typ, err
		}
		return encodeValue(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		elemType, err := elementType(rv.Type().Elem())
		if err != nil {
			return nil, nil, err
		}
		arrayType := &spannerpb.Type{Code: spannerpb.TypeCode_ARRAY, ArrayElementType: elemType}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return structpb.NewNullValue(), arrayType, nil
		}
		values := make([]*structpb.Value, rv.Len())
		for i := range values {
			values[i], _, err = encodeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, nil, err
			}
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values}), arrayType, nil
	}
	return nil, nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "unsupported value type: %T", v))
}

func elementType(t reflect.Type) (*spannerpb.Type, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	_, typ, err := encodeValue(reflect.Zero(t).Interface())
	if err != nil {
		return nil, err
	}
	if typ == nil {
		return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "unsupported array element type: %v", t))
	}
	return typ, nil
}

func floatValue(f float64) *structpb.Value {
	switch {
	case math.IsNaN(f):
		return structpb.NewStringValue("NaN")
	case math.IsInf(f, 1):
		return structpb.NewStringValue("Infinity")
	case math.IsInf(f, -1):
		return structpb.NewStringValue("-Infinity")
	default:
		return structpb.NewNumberValue(f)
	}
}
