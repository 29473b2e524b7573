package syncer

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/accounting"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
)

// WebhookHandler pulls the resource named by each event and applies it through inbound.
func (e *Engine) WebhookHandler(entityType string, inbound InboundHandler) webhook.Handler {
	return webhook.HandlerFunc(func(ctx context.Context, event webhook.Event) error {
		_, err := e.Pull(ctx, event.TenantID, entityType, event.ResourceID, inbound)
		return err
	})
}

// RegisterWebhookHandlers routes every supported event category to the engine. handlers is keyed
// by internal entity type; types without a handler fall back to LinkedOnly.
func RegisterWebhookHandlers(registry *webhook.Registry, engine *Engine, handlers map[string]InboundHandler) {
	for _, category := range []string{"CONTACT", "INVOICE", "PAYMENT", "PURCHASEORDER", "ITEM", "CREDITNOTE", "QUOTE"} {
		entityType, ok := accounting.EntityTypeForCategory(category)
		if !ok {
			continue
		}
		inbound, ok := handlers[strings.ToLower(entityType)]
		if !ok {
			inbound = LinkedOnly
		}
		registry.Register(category, engine.WebhookHandler(entityType, inbound))
	}
}
