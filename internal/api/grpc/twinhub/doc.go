// Package twinhub implements the gRPC transport for the twin hub.
//
// The service is described by hand with grpc.ServiceDesc; desired and
// reported documents are google.protobuf.Struct values, so no generated code
// is needed. The package exposes a server that calls into a provided
// business-service interface and a thin client stub.
package twinhub
