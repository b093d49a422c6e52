// Package receiver implements the request-driven gRPC intake: the
// canstream.v1.IngestService/Ingest unary RPC.
//
// Events travel as google.protobuf.Struct in the same shape as the JSON body
// of POST /api/data, and the reply is {key, seq}. Validation is the gateway's:
// an invalid message maps to codes.InvalidArgument and nothing is stored.
// Authentication is enforced upstream by the server interceptor (see package
// auth).
//
// The service descriptor is registered by hand (Register, NewClient), so no
// generated code is needed on either side.
package receiver
