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
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"testing"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// SelectFooFromBar is a SELECT statement that is added to the mocked test
// server and will return a one-col-two-rows result set containing the INT64
// values 1 and 2.
const SelectFooFromBar = "SELECT FOO FROM BAR"
const selectFooFromBarRowCount int64 = 2

var selectFooFromBarResults = [...]int64{1, 2}

// SelectSingerIDAlbumIDAlbumTitleFromAlbums is a SELECT statement that is
// added to the mocked test server and will return a 3-cols-3-rows result set.
const SelectSingerIDAlbumIDAlbumTitleFromAlbums = "SELECT SingerId, AlbumId, AlbumTitle FROM Albums"

// SelectSingerIDAlbumIDAlbumTitleFromAlbumsRowCount is the number of rows
// returned by the SelectSingerIDAlbumIDAlbumTitleFromAlbums statement.
const SelectSingerIDAlbumIDAlbumTitleFromAlbumsRowCount int64 = 3

// SelectSingerIDAlbumIDAlbumTitleFromAlbumsColCount is the number of cols
// returned by the SelectSingerIDAlbumIDAlbumTitleFromAlbums statement.
const SelectSingerIDAlbumIDAlbumTitleFromAlbumsColCount int = 3

// AlbumsTable is a table that can be read on the mocked test server. Reads
// return the same rows as SelectSingerIDAlbumIDAlbumTitleFromAlbums.
const AlbumsTable = "Albums"

// UpdateBarSetFoo is an UPDATE statement that is added to the mocked test
// server that will return an update count of 5.
const UpdateBarSetFoo = "UPDATE FOO SET BAR=1 WHERE BAZ=2"

// UpdateBarSetFooRowCount is the constant update count value returned by the
// statement defined in UpdateBarSetFoo.
const UpdateBarSetFooRowCount = 5

// UpdateSingersSetLastName is an UPDATE statement that is added to the mocked test
// server that will return an update count of 1.
const UpdateSingersSetLastName = "UPDATE Singers SET LastName='Test' WHERE SingerId=1"

// UpdateSingersSetLastNameRowCount is the constant update count value returned by the
// statement defined in UpdateSingersSetLastName.
const UpdateSingersSetLastNameRowCount = 1

// DeleteFromCitizens is a DELETE statement without a WHERE clause that is
// added to the mocked test server. It is intended for partitioned DML.
const DeleteFromCitizens = "DELETE FROM citizens WHERE TRUE"

// DeleteFromCitizensRowCount is the update count that is returned by
// DeleteFromCitizens.
const DeleteFromCitizensRowCount = 1000

// MockedSpannerInMemTestServer is an InMemSpannerServer with results for a
// number of SQL statements readily mocked, and in-mem admin servers.
type MockedSpannerInMemTestServer struct {
	TestSpanner       InMemSpannerServer
	TestInstanceAdmin InMemInstanceAdminServer
	TestDatabaseAdmin InMemDatabaseAdminServer
	TestOperations    InMemOperationsServer
	server            *grpc.Server
	Address           string
}

// NewMockedSpannerInMemTestServer creates a MockedSpannerInMemTestServer at
// localhost with a random port and returns client options that can be used
// to connect to it.
func NewMockedSpannerInMemTestServer(t testing.TB) (mockedServer *MockedSpannerInMemTestServer, opts []option.ClientOption, teardown func()) {
	return NewMockedSpannerInMemTestServerWithAddr(t, "localhost:0")
}

// NewMockedSpannerInMemTestServerWithAddr creates a MockedSpannerInMemTestServer
// at a given listening address and returns client options that can be used
// to connect to it.
func NewMockedSpannerInMemTestServerWithAddr(t testing.TB, addr string) (mockedServer *MockedSpannerInMemTestServer, opts []option.ClientOption, teardown func()) {
	mockedServer = &MockedSpannerInMemTestServer{}
	opts = mockedServer.setupMockedServerWithAddr(t, addr)
	return mockedServer, opts, func() {
		mockedServer.TestSpanner.Stop()
		mockedServer.TestInstanceAdmin.Stop()
		mockedServer.TestDatabaseAdmin.Stop()
		mockedServer.server.Stop()
	}
}

func (s *MockedSpannerInMemTestServer) setupMockedServerWithAddr(t testing.TB, addr string) []option.ClientOption {
	s.TestSpanner = NewInMemSpannerServer()
	s.TestOperations = NewInMemOperationsServer()
	s.TestInstanceAdmin = NewInMemInstanceAdminServer(s.TestOperations)
	s.TestDatabaseAdmin = NewInMemDatabaseAdminServer(s.TestOperations)
	s.setupSelect1Result()
	s.setupFooResults()
	s.setupSingersResults()
	s.server = grpc.NewServer()
	spannerpb.RegisterSpannerServer(s.server, s.TestSpanner)
	instancepb.RegisterInstanceAdminServer(s.server, s.TestInstanceAdmin)
	databasepb.RegisterDatabaseAdminServer(s.server, s.TestDatabaseAdmin)
	longrunningpb.RegisterOperationsServer(s.server, s.TestOperations)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = s.server.Serve(lis) }()

	s.Address = lis.Addr().String()
	opts := []option.ClientOption{
		option.WithEndpoint(s.Address),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}
	return opts
}

func (s *MockedSpannerInMemTestServer) setupSelect1Result() {
	result := &StatementResult{Type: StatementResultResultSet, ResultSet: CreateSelect1ResultSet()}
	_ = s.TestSpanner.PutStatementResult("SELECT 1", result)
}

func (s *MockedSpannerInMemTestServer) setupFooResults() {
	values := make([]int64, 0, selectFooFromBarRowCount)
	values = append(values, selectFooFromBarResults[:]...)
	resultSet := CreateSingleColumnResultSet(values)
	resultSet.Metadata.RowType.Fields[0].Name = "FOO"
	result := &StatementResult{Type: StatementResultResultSet, ResultSet: resultSet}
	_ = s.TestSpanner.PutStatementResult(SelectFooFromBar, result)
	_ = s.TestSpanner.PutStatementResult(UpdateBarSetFoo, &StatementResult{
		Type:        StatementResultUpdateCount,
		UpdateCount: UpdateBarSetFooRowCount,
	})
	_ = s.TestSpanner.PutStatementResult(UpdateSingersSetLastName, &StatementResult{
		Type:        StatementResultUpdateCount,
		UpdateCount: UpdateSingersSetLastNameRowCount,
	})
	_ = s.TestSpanner.PutStatementResult(DeleteFromCitizens, &StatementResult{
		Type:        StatementResultUpdateCount,
		UpdateCount: DeleteFromCitizensRowCount,
	})
}

func (s *MockedSpannerInMemTestServer) setupSingersResults() {
	metadata := createSingersMetadata()
	rows := make([]*structpb.ListValue, SelectSingerIDAlbumIDAlbumTitleFromAlbumsRowCount)
	var idx int64
	for idx = 0; idx < SelectSingerIDAlbumIDAlbumTitleFromAlbumsRowCount; idx++ {
		rows[idx] = createSingersRow(idx)
	}
	resultSet := &spannerpb.ResultSet{
		Metadata: metadata,
		Rows:     rows,
	}
	result := &StatementResult{Type: StatementResultResultSet, ResultSet: resultSet}
	_ = s.TestSpanner.PutStatementResult(SelectSingerIDAlbumIDAlbumTitleFromAlbums, result)
	_ = s.TestSpanner.PutReadResult(AlbumsTable, result)
}

// CreateSingleRowSingersResult creates a result set containing a single row of
// the SelectSingerIDAlbumIDAlbumTitleFromAlbums result set, or zero rows if
// the given rowNum is greater than the number of rows in the result set. This
// method can be used to mock results for different partitions of a batch
// snapshot.
func (s *MockedSpannerInMemTestServer) CreateSingleRowSingersResult(rowNum int64) *StatementResult {
	metadata := createSingersMetadata()
	var returnedRows int
	if rowNum < SelectSingerIDAlbumIDAlbumTitleFromAlbumsRowCount {
		returnedRows = 1
	} else {
		returnedRows = 0
	}
	rows := make([]*structpb.ListValue, returnedRows)
	if returnedRows > 0 {
		rows[0] = createSingersRow(rowNum)
	}
	resultSet := &spannerpb.ResultSet{
		Metadata: metadata,
		Rows:     rows,
	}
	return &StatementResult{Type: StatementResultResultSet, ResultSet: resultSet}
}

func createSingersMetadata() *spannerpb.ResultSetMetadata {
	fields := make([]*spannerpb.StructType_Field, SelectSingerIDAlbumIDAlbumTitleFromAlbumsColCount)
	fields[0] = &spannerpb.StructType_Field{
		Name: "SingerId",
		Type: &spannerpb.Type{Code: spannerpb.TypeCode_INT64},
	}
	fields[1] = &spannerpb.StructType_Field{
		Name: "AlbumId",
		Type: &spannerpb.Type{Code: spannerpb.TypeCode_INT64},
	}
	fields[2] = &spannerpb.StructType_Field{
		Name: "AlbumTitle",
		Type: &spannerpb.Type{Code: spannerpb.TypeCode_STRING},
	}
	rowType := &spannerpb.StructType{
		Fields: fields,
	}
	return &spannerpb.ResultSetMetadata{
		RowType: rowType,
	}
}

func createSingersRow(idx int64) *structpb.ListValue {
	rowValue := make([]*structpb.Value, SelectSingerIDAlbumIDAlbumTitleFromAlbumsColCount)
	rowValue[0] = structpb.NewStringValue(strconv.FormatInt(idx+1, 10))
	rowValue[1] = structpb.NewStringValue(strconv.FormatInt(idx*10+idx, 10))
	rowValue[2] = structpb.NewStringValue(fmt.Sprintf("Album title %d", idx))
	return &structpb.ListValue{
		Values: rowValue,
	}
}

// CreateResultSetWithScalarTypes creates a result set with one row that
// contains one column of each scalar type. All values are NULL if
// nullValues is true.
func CreateResultSetWithScalarTypes(nullValues bool) *spannerpb.ResultSet {
	columns := []struct {
		name string
		code spannerpb.TypeCode
	}{
		{"ColBool", spannerpb.TypeCode_BOOL},
		{"ColString", spannerpb.TypeCode_STRING},
		{"ColBytes", spannerpb.TypeCode_BYTES},
		{"ColInt", spannerpb.TypeCode_INT64},
		{"ColFloat", spannerpb.TypeCode_FLOAT64},
		{"ColNumeric", spannerpb.TypeCode_NUMERIC},
		{"ColDate", spannerpb.TypeCode_DATE},
		{"ColTimestamp", spannerpb.TypeCode_TIMESTAMP},
	}
	fields := make([]*spannerpb.StructType_Field, len(columns))
	for i, c := range columns {
		fields[i] = &spannerpb.StructType_Field{Name: c.name, Type: &spannerpb.Type{Code: c.code}}
	}
	rowValue := make([]*structpb.Value, len(fields))
	if nullValues {
		for i := range fields {
			rowValue[i] = structpb.NewNullValue()
		}
	} else {
		rowValue[0] = structpb.NewBoolValue(true)
		rowValue[1] = structpb.NewStringValue("test")
		rowValue[2] = structpb.NewStringValue(base64.StdEncoding.EncodeToString([]byte("testbytes")))
		rowValue[3] = structpb.NewStringValue("5")
		rowValue[4] = structpb.NewNumberValue(3.14)
		rowValue[5] = structpb.NewStringValue("6.626")
		rowValue[6] = structpb.NewStringValue("2021-07-21")
		rowValue[7] = structpb.NewStringValue("2021-07-21T21:07:59.339911800Z")
	}
	return &spannerpb.ResultSet{
		Metadata: &spannerpb.ResultSetMetadata{RowType: &spannerpb.StructType{Fields: fields}},
		Rows:     []*structpb.ListValue{{Values: rowValue}},
	}
}

// CreateSelect1ResultSet creates a result set with one INT64 column and one
// row with the value 1.
func CreateSelect1ResultSet() *spannerpb.ResultSet {
	return CreateSingleColumnResultSet([]int64{1})
}

// CreateSingleColumnResultSet creates a result set with one unnamed INT64
// column and one row for each value.
func CreateSingleColumnResultSet(values []int64) *spannerpb.ResultSet {
	fields := make([]*spannerpb.StructType_Field, 1)
	fields[0] = &spannerpb.StructType_Field{
		Name: "",
		Type: &spannerpb.Type{Code: spannerpb.TypeCode_INT64},
	}
	rowType := &spannerpb.StructType{
		Fields: fields,
	}
	metadata := &spannerpb.ResultSetMetadata{
		RowType: rowType,
	}
	rows := make([]*structpb.ListValue, len(values))
	for i, v := range values {
		rowValue := make([]*structpb.Value, 1)
		rowValue[0] = structpb.NewStringValue(strconv.FormatInt(v, 10))
		rows[i] = &structpb.ListValue{
			Values: rowValue,
		}
	}
	return &spannerpb.ResultSet{
		Metadata: metadata,
		Rows:     rows,
	}
}
