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
	"fmt"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// InMemInstanceAdminServer contains the InstanceAdminServer interface plus
// methods for inspecting the simulated state.
type InMemInstanceAdminServer interface {
	instancepb.InstanceAdminServer
	Stop()
	// Instances returns the names of all instances, sorted.
	Instances() []string
	// AddInstance adds an instance with the given name.
	AddInstance(name string)
}

type inMemInstanceAdminServer struct {
	instancepb.UnimplementedInstanceAdminServer

	mu         sync.Mutex
	instances  map[string]*instancepb.Instance
	operations InMemOperationsServer
	opCounter  int
}

// NewInMemInstanceAdminServer creates a new in-mem instance admin server.
// Finished operations are registered with the given operations server. A
// new operations server is used if ops is nil.
func NewInMemInstanceAdminServer(ops InMemOperationsServer) InMemInstanceAdminServer {
	if ops == nil {
		ops = NewInMemOperationsServer()
	}
	return &inMemInstanceAdminServer{
		instances:  make(map[string]*instancepb.Instance),
		operations: ops,
	}
}

func (s *inMemInstanceAdminServer) Stop() {
	// do nothing
}

func (s *inMemInstanceAdminServer) AddInstance(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[name] = &instancepb.Instance{Name: name, State: instancepb.Instance_READY, NodeCount: 1}
}

func (s *inMemInstanceAdminServer) Instances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *inMemInstanceAdminServer) CreateInstance(_ context.Context, req *instancepb.CreateInstanceRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := fmt.Sprintf("%s/instances/%s", req.Parent, req.InstanceId)
	if _, ok := s.instances[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Instance already exists: %s", name)
	}
	instance := proto.Clone(req.Instance).(*instancepb.Instance)
	instance.Name = name
	instance.State = instancepb.Instance_READY
	instance.CreateTime = timestamppb.Now()
	s.instances[name] = instance
	s.opCounter++
	op, err := newDoneOperation(fmt.Sprintf("%s/operations/op%d", name, s.opCounter), instance, &instancepb.CreateInstanceMetadata{Instance: instance})
	if err != nil {
		return nil, err
	}
	s.operations.PutOperation(op)
	return op, nil
}

func (s *inMemInstanceAdminServer) GetInstance(_ context.Context, req *instancepb.GetInstanceRequest) (*instancepb.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[req.Name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Instance not found: %s", req.Name)
	}
	return instance, nil
}

func (s *inMemInstanceAdminServer) ListInstances(_ context.Context, req *instancepb.ListInstancesRequest) (*instancepb.ListInstancesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &instancepb.ListInstancesResponse{}
	for name, instance := range s.instances {
		if strings.HasPrefix(name, req.Parent+"/") {
			resp.Instances = append(resp.Instances, instance)
		}
	}
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].Name < resp.Instances[j].Name })
	return resp, nil
}
