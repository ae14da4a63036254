package api

// OrderItem is a single line of an order request.
type OrderItem struct {
	ProductID string  `json:"product_id" validate:"required"`
	Quantity  int     `json:"quantity" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"required,gt=0"`
}

// Address is the shipping destination of an order.
type Address struct {
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required"`
}

// OrderRequest is the inbound payload that starts an order saga.
type OrderRequest struct {
	CustomerID      string      `json:"customer_id" validate:"required"`
	Items           []OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount     float64     `json:"total_amount" validate:"required,gt=0"`
	ShippingAddress Address     `json:"shipping_address" validate:"required"`
	PaymentMethod   string      `json:"payment_method" validate:"required,oneof=CREDIT_CARD DEBIT_CARD PAYPAL BANK_TRANSFER"`
	ShippingMethod  string      `json:"shipping_method" validate:"required,oneof=STANDARD EXPRESS OVERNIGHT"`
	Channels        []string    `json:"channels,omitempty" validate:"omitempty,dive,oneof=email sms push"`
}

// SagaResponse is the top-level response for saga creation and lookup.
type SagaResponse struct {
	SagaID          string      `json:"saga_id"`
	OrderID         string      `json:"order_id,omitempty"`
	Status          string      `json:"status"`
	Message         string      `json:"message"`
	FailedStepIndex *int        `json:"failed_step_index,omitempty"`
	Error           string      `json:"error,omitempty"`
	Details         interface{} `json:"details,omitempty"`
}

// HealthResponse reports coordinator liveness plus per-participant reachability.
type HealthResponse struct {
	Status       string          `json:"status"`
	Participants map[string]bool `json:"participants"`
}

// RootResponse is the banner served at the process root.
type RootResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Port    int    `json:"port"`
}
