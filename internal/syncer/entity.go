package syncer

import (
	"context"
	"encoding/json"
)

// Entity is implemented by each internal record type that is pushed to the accounting service.
type Entity interface {
	EntityType() string
	InternalID() string
	// ComputeSyncHash digests exactly the fields MapToExternalSchema sends.
	ComputeSyncHash() (string, error)
	MapToExternalSchema() (any, error)
}

// InboundHandler applies a fetched accounting record to the internal system. internalID is empty
// when the record is not linked yet. It returns the internal id the record now belongs to, or an
// empty id when the record was ignored.
type InboundHandler interface {
	ApplyInbound(ctx context.Context, tenantID string, internalID string, raw json.RawMessage) (string, error)
}

// InboundFunc adapts a function to InboundHandler.
type InboundFunc func(ctx context.Context, tenantID string, internalID string, raw json.RawMessage) (string, error)

// ApplyInbound calls f.
func (f InboundFunc) ApplyInbound(ctx context.Context, tenantID string, internalID string, raw json.RawMessage) (string, error) {
	return f(ctx, tenantID, internalID, raw)
}

// LinkedOnly refreshes records that are already linked and ignores the rest. It serves entity
// types no synchronizer has claimed.
var LinkedOnly InboundHandler = InboundFunc(func(_ context.Context, _ string, internalID string, _ json.RawMessage) (string, error) {
	return internalID, nil
})
