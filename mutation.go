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
	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type mutationOp int

const (
	opInsert mutationOp = iota
	opUpdate
	opInsertOrUpdate
	opReplace
	opDelete
)

// Mutation is a write that is buffered in a read/write transaction and
// applied when the transaction commits.
type Mutation struct {
	op      mutationOp
	table   string
	columns []string
	values  []any
	keys    KeySet
}

// Insert returns a mutation that inserts a row. The commit fails if the row
// already exists.
func Insert(table string, columns []string, values []any) *Mutation {
	return &Mutation{op: opInsert, table: table, columns: columns, values: values}
}

// Update returns a mutation that updates an existing row.
func Update(table string, columns []string, values []any) *Mutation {
	return &Mutation{op: opUpdate, table: table, columns: columns, values: values}
}

// InsertOrUpdate returns a mutation that inserts a row, or updates the given
// columns of the row if it already exists.
func InsertOrUpdate(table string, columns []string, values []any) *Mutation {
	return &Mutation{op: opInsertOrUpdate, table: table, columns: columns, values: values}
}

// Replace returns a mutation that inserts a row, or replaces the row if it
// already exists. Columns that are not given are set to NULL.
func Replace(table string, columns []string, values []any) *Mutation {
	return &Mutation{op: opReplace, table: table, columns: columns, values: values}
}

// Delete returns a mutation that deletes the rows in the key set.
func Delete(table string, keys KeySet) *Mutation {
	return &Mutation{op: opDelete, table: table, keys: keys}
}

func (m *Mutation) toProto() (*spannerpb.Mutation, error) {
	if m.op == opDelete {
		if m.keys == nil {
			return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "delete mutation for table %s has no key set", m.table))
		}
		keySet, err := m.keys.keySetProto()
		if err != nil {
			return nil, err
		}
		return &spannerpb.Mutation{Operation: &spannerpb.Mutation_Delete_{Delete: &spannerpb.Mutation_Delete{Table: m.table, KeySet: keySet}}}, nil
	}
	if len(m.columns) != len(m.values) {
		return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "mutation for table %s has %d columns and %d values", m.table, len(m.columns), len(m.values)))
	}
	values := make([]*structpb.Value, len(m.values))
	for i, v := range m.values {
		value, _, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	write := &spannerpb.Mutation_Write{
		Table:   m.table,
		Columns: m.columns,
		Values:  []*structpb.ListValue{{Values: values}},
	}
	switch m.op {
	case opInsert:
		return &spannerpb.Mutation{Operation: &spannerpb.Mutation_Insert{Insert: write}}, nil
	case opUpdate:
		return &spannerpb.Mutation{Operation: &spannerpb.Mutation_Update{Update: write}}, nil
	case opInsertOrUpdate:
		return &spannerpb.Mutation{Operation: &spannerpb.Mutation_InsertOrUpdate{InsertOrUpdate: write}}, nil
	default:
		return &spannerpb.Mutation{Operation: &spannerpb.Mutation_Replace{Replace: write}}, nil
	}
}
