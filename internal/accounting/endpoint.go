package accounting

import "strings"

// Endpoint describes one entity collection of the accounting API.
type Endpoint struct {
	// Collection is the path segment and the envelope key, e.g. "Contacts".
	Collection string
	// IDField names the identifier property of a record, e.g. "ContactID".
	IDField string
	// StatusField and ArchivedStatus describe the soft delete. An empty StatusField means the
	// collection supports HTTP DELETE instead.
	StatusField    string
	ArchivedStatus string
}

// Supported collections.
var (
	Contacts       = Endpoint{Collection: "Contacts", IDField: "ContactID", StatusField: "ContactStatus", ArchivedStatus: "ARCHIVED"}
	Invoices       = Endpoint{Collection: "Invoices", IDField: "InvoiceID", StatusField: "Status", ArchivedStatus: "DELETED"}
	Payments       = Endpoint{Collection: "Payments", IDField: "PaymentID", StatusField: "Status", ArchivedStatus: "DELETED"}
	PurchaseOrders = Endpoint{Collection: "PurchaseOrders", IDField: "PurchaseOrderID", StatusField: "Status", ArchivedStatus: "DELETED"}
	Items          = Endpoint{Collection: "Items", IDField: "ItemID"}
	CreditNotes    = Endpoint{Collection: "CreditNotes", IDField: "CreditNoteID", StatusField: "Status", ArchivedStatus: "DELETED"}
	Quotes         = Endpoint{Collection: "Quotes", IDField: "QuoteID", StatusField: "Status", ArchivedStatus: "DELETED"}
)

var endpointsByEntityType = map[string]Endpoint{
	"contact":        Contacts,
	"invoice":        Invoices,
	"payment":        Payments,
	"purchase_order": PurchaseOrders,
	"item":           Items,
	"credit_note":    CreditNotes,
	"quote":          Quotes,
}

var entityTypesByCategory = map[string]string{
	"CONTACT":       "contact",
	"INVOICE":       "invoice",
	"PAYMENT":       "payment",
	"PURCHASEORDER": "purchase_order",
	"ITEM":          "item",
	"CREDITNOTE":    "credit_note",
	"QUOTE":         "quote",
}

// EndpointFor resolves an internal entity type such as "purchase_order".
func EndpointFor(entityType string) (Endpoint, bool) {
	endpoint, ok := endpointsByEntityType[strings.ToLower(strings.TrimSpace(entityType))]
	return endpoint, ok
}

// EntityTypeForCategory maps a webhook event category to the internal entity type.
func EntityTypeForCategory(category string) (string, bool) {
	entityType, ok := entityTypesByCategory[strings.ToUpper(strings.TrimSpace(category))]
	return entityType, ok
}

// EntityTypes lists every supported internal entity type.
func EntityTypes() []string {
	return []string{"contact", "invoice", "payment", "purchase_order", "item", "credit_note", "quote"}
}
