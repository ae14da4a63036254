package saga

import (
	"encoding/json"
)

// Item is one order line as it travels between participants.
type Item struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price,omitempty"`
}

// Address is a shipping destination.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Reservation is one inventory hold issued by the inventory participant.
type Reservation struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Context is the shared state a saga carries between steps. It is a typed
// record rather than an open map: each response merger writes named fields,
// so a later step cannot silently clobber an identifier issued by an earlier
// one. Keys are effectively per step, not per participant.
type Context struct {
	SagaID string `json:"saga_id"`

	// Order request fields, set at saga creation.
	CustomerID       string   `json:"customer_id"`
	Items            []Item   `json:"items"`
	TotalAmount      float64  `json:"total_amount"`
	ShippingAddress  Address  `json:"shipping_address"`
	PaymentMethod    string   `json:"payment_method"`
	ShippingMethod   string   `json:"shipping_method"`
	Channels         []string `json:"channels,omitempty"`
	NotificationType string   `json:"notification_type,omitempty"`

	// Identifiers merged from participant responses, one writer per field.
	OrderID        string        `json:"order_id,omitempty"`
	Reservations   []Reservation `json:"inventory_reservations,omitempty"`
	PaymentID      string        `json:"payment_id,omitempty"`
	ShippingID     string        `json:"shipping_id,omitempty"`
	TrackingNumber string        `json:"tracking_number,omitempty"`
	NotificationID string        `json:"notification_id,omitempty"`
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() Context {
	out := *c
	if c.Items != nil {
		out.Items = make([]Item, len(c.Items))
		copy(out.Items, c.Items)
	}
	if c.Channels != nil {
		out.Channels = make([]string, len(c.Channels))
		copy(out.Channels, c.Channels)
	}
	if c.Reservations != nil {
		out.Reservations = make([]Reservation, len(c.Reservations))
		copy(out.Reservations, c.Reservations)
	}
	return out
}

// compensationPayload builds the request body for a compensation call: the
// full shared context plus the step's original request and response, so the
// participant can correlate by any identifier it issued.
func (c *Context) compensationPayload(originalRequest any, originalResponse json.RawMessage) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	if originalRequest != nil {
		payload["original_request"] = originalRequest
	}
	if len(originalResponse) > 0 {
		payload["original_response"] = originalResponse
	}
	return payload, nil
}
