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

package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
)

// InMemOperationsServer contains the OperationsServer interface plus methods
// for registering operations.
type InMemOperationsServer interface {
	longrunningpb.OperationsServer
	// PutOperation adds or replaces an operation.
	PutOperation(op *longrunningpb.Operation)
	// Operations returns all operations whose name starts with prefix.
	Operations(prefix string) []*longrunningpb.Operation
	// Cancelled returns the names of the operations that were cancelled.
	Cancelled() []string
}

type inMemOperationsServer struct {
	longrunningpb.UnimplementedOperationsServer

	mu         sync.Mutex
	operations map[string]*longrunningpb.Operation
	cancelled  []string
}

// NewInMemOperationsServer creates a new in-mem operations server.
func NewInMemOperationsServer() InMemOperationsServer {
	return &inMemOperationsServer{operations: make(map[string]*longrunningpb.Operation)}
}

// newDoneOperation returns a finished operation with the given response and
// metadata. metadata may be nil.
func newDoneOperation(name string, response, metadata proto.Message) (*longrunningpb.Operation, error) {
	resp, err := anypb.New(response)
	if err != nil {
		return nil, err
	}
	op := &longrunningpb.Operation{
		Name:   name,
		Done:   true,
		Result: &longrunningpb.Operation_Response{Response: resp},
	}
	if metadata != nil {
		md, err := anypb.New(metadata)
		if err != nil {
			return nil, err
		}
		op.Metadata = md
	}
	return op, nil
}

func (s *inMemOperationsServer) PutOperation(op *longrunningpb.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.Name] = op
}

func (s *inMemOperationsServer) Operations(prefix string) []*longrunningpb.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []*longrunningpb.Operation
	for name, op := range s.operations {
		if strings.HasPrefix(name, prefix) {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops
}

func (s *inMemOperationsServer) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

func (s *inMemOperationsServer) GetOperation(_ context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[req.Name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Operation not found: %s", req.Name)
	}
	return op, nil
}

func (s *inMemOperationsServer) ListOperations(_ context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	return &longrunningpb.ListOperationsResponse{Operations: s.Operations(req.Name)}, nil
}

func (s *inMemOperationsServer) CancelOperation(_ context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "Operation not found: %s", req.Name)
	}
	s.cancelled = append(s.cancelled, req.Name)
	return &emptypb.Empty{}, nil
}

func (s *inMemOperationsServer) DeleteOperation(_ context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "Operation not found: %s", req.Name)
	}
	delete(s.operations, req.Name)
	return &emptypb.Empty{}, nil
}
