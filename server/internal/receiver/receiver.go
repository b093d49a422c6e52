package receiver

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/canstream/canstream/server/internal/ingest"
	"github.com/canstream/canstream/server/internal/store"
)

// Ingester is the write path the receiver forwards events to.
type Ingester interface {
	Ingest(raw ingest.RawEvent) (store.Record, error)
}

// Receiver implements IngestServer on top of the ingestion gateway.
type Receiver struct {
	gateway Ingester
}

// New creates a Receiver that forwards accepted events to gw.
func New(gw Ingester) *Receiver {
	return &Receiver{gateway: gw}
}

// Ingest is the unary RPC handler. It converts the Struct to a raw event,
// hands it to the gateway and acknowledges with the canonical key and the
// acceptance sequence number. Authentication is enforced by the server
// interceptor before this is called.
func (r *Receiver) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil || len(in.GetFields()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}

	rec, err := r.gateway.Ingest(ingest.FromMap(in.AsMap()))
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidMessage) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		slog.Error("receiver: ingest failed", "err", err)
		return nil, status.Error(codes.Internal, "ingest failed")
	}

	slog.Debug("receiver: event stored",
		"key", rec.Key,
		"seq", rec.Seq,
		"source", rec.Source,
		"len", len(rec.Payload),
	)

	return structpb.NewStruct(map[string]interface{}{
		"key": rec.Key,
		"seq": float64(rec.Seq),
	})
}

// NewEvent builds the request Struct for one frame. ts is unix seconds;
// pass 0 to let the server use ingestion time.
func NewEvent(id string, payload []byte, ts float64, extended bool, source string) (*structpb.Struct, error) {
	bytes := make([]interface{}, len(payload))
	for i, b := range payload {
		bytes[i] = float64(b)
	}
	m := map[string]interface{}{
		"id":       id,
		"payload":  bytes,
		"extended": extended,
	}
	if ts > 0 {
		m["timestamp"] = ts
	}
	if source != "" {
		m["source"] = source
	}
	return structpb.NewStruct(m)
}
