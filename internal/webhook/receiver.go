// Package webhook authenticates inbound notifications from the accounting service, stores them
// exactly once, and drains them to registered handlers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"go.uber.org/zap"
)

var (
	errMissingSecret = errors.New("webhook: signing key is required")
	errMissingStore  = errors.New("webhook: store is required")
)

// ReceiverConfig describes the dependencies of a Receiver.
type ReceiverConfig struct {
	Secret string
	Store  *Store
	Logger *zap.Logger
}

// Receiver verifies and stores deliveries. It does no processing.
type Receiver struct {
	secret string
	store  *Store
	logger *zap.Logger
}

// ReceiveResult describes a verified delivery.
type ReceiveResult struct {
	// IntentToReceive is true for the empty validation delivery.
	IntentToReceive bool `json:"intent_to_receive"`
	Stored          int  `json:"stored"`
	Duplicates      int  `json:"duplicates"`
	Skipped         int  `json:"skipped"`
}

// NewReceiver constructs a Receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Secret == "" {
		return nil, errMissingSecret
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{secret: cfg.Secret, store: cfg.Store, logger: logger}, nil
}

// Receive authenticates rawBody before parsing it, then stores each event as pending.
// Events missing identifying fields are skipped and logged rather than failing the delivery.
func (r *Receiver) Receive(ctx context.Context, rawBody []byte, signature string) (ReceiveResult, error) {
	if !ValidateSignature(rawBody, signature, r.secret) {
		r.logger.Warn("webhook signature rejected", zap.Int("body_bytes", len(rawBody)))
		return ReceiveResult{}, syncerr.NewWebhook(syncerr.CodeInvalidSignature, "signature mismatch")
	}

	var payload Payload
	decoder := json.NewDecoder(bytes.NewReader(rawBody))
	if err := decoder.Decode(&payload); err != nil {
		return ReceiveResult{}, syncerr.NewValidation(syncerr.CodeMalformedPayload, "webhook payload is not valid JSON", nil)
	}

	if len(payload.Events) == 0 {
		return ReceiveResult{IntentToReceive: true}, nil
	}

	var result ReceiveResult
	for _, item := range payload.Events {
		if missing := item.missingFields(); len(missing) > 0 {
			result.Skipped++
			r.logger.Warn("webhook event skipped",
				zap.String("reason", "missing_fields"),
				zap.Strings("fields", missing))
			continue
		}
		event := &Event{
			TenantID:      strings.TrimSpace(item.TenantID),
			EventID:       item.dedupeKey(),
			EventType:     strings.ToUpper(strings.TrimSpace(item.EventType)),
			EventCategory: strings.ToUpper(strings.TrimSpace(item.EventCategory)),
			ResourceID:    strings.TrimSpace(item.ResourceID),
			ResourceURL:   strings.TrimSpace(item.ResourceURL),
			EventDate:     item.EventDateUTC.Time,
		}
		if event.EventDate.IsZero() {
			event.EventDate = time.Now().UTC()
		}
		stored, err := r.store.StoreEvent(ctx, event)
		if err != nil {
			r.logger.Error("webhook event store failed",
				zap.String("operation", "webhook.receive"),
				zap.String("reason", "store_failed"),
				zap.String("tenant_id", event.TenantID),
				zap.Error(err))
			return result, err
		}
		if stored {
			result.Stored++
		} else {
			result.Duplicates++
		}
	}

	r.logger.Info("webhook delivery received",
		zap.Int64("first_sequence", payload.FirstEventSequence),
		zap.Int64("last_sequence", payload.LastEventSequence),
		zap.Int("stored", result.Stored),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("skipped", result.Skipped))
	return result, nil
}
