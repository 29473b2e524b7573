package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload is the delivery envelope posted by the accounting service.
type Payload struct {
	Events             []EventPayload `json:"events"`
	FirstEventSequence int64          `json:"firstEventSequence"`
	LastEventSequence  int64          `json:"lastEventSequence"`
	Entropy            string         `json:"entropy"`
}

// EventPayload is one event inside a delivery.
type EventPayload struct {
	EventID       string    `json:"eventId,omitempty"`
	ResourceURL   string    `json:"resourceUrl"`
	ResourceID    string    `json:"resourceId"`
	EventDateUTC  Timestamp `json:"eventDateUtc"`
	EventType     string    `json:"eventType"`
	EventCategory string    `json:"eventCategory"`
	TenantID      string    `json:"tenantId"`
	TenantType    string    `json:"tenantType"`
}

func (p EventPayload) missingFields() []string {
	var missing []string
	if strings.TrimSpace(p.TenantID) == "" {
		missing = append(missing, "tenantId")
	}
	if strings.TrimSpace(p.ResourceID) == "" {
		missing = append(missing, "resourceId")
	}
	if strings.TrimSpace(p.EventType) == "" {
		missing = append(missing, "eventType")
	}
	if strings.TrimSpace(p.EventCategory) == "" {
		missing = append(missing, "eventCategory")
	}
	return missing
}

// dedupeKey is the delivery-supplied id, or a digest of the fields that identify the event.
func (p EventPayload) dedupeKey() string {
	if id := strings.TrimSpace(p.EventID); id != "" {
		return id
	}
	digest := sha256.Sum256([]byte(strings.Join([]string{
		p.TenantID,
		strings.ToUpper(p.EventCategory),
		strings.ToUpper(p.EventType),
		p.ResourceID,
		p.EventDateUTC.Time.UTC().Format(time.RFC3339Nano),
	}, "|")))
	return hex.EncodeToString(digest[:])
}

// Timestamp accepts RFC 3339 and the zone-less form used for eventDateUtc, which is UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("webhook: unrecognised timestamp %q", raw)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}
