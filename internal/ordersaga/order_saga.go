// Package ordersaga declares the order-fulfillment workflow: the fixed
// five-step sequence, the participant endpoints, and the rules for shaping
// each request from the shared context and folding each response back in.
package ordersaga

import (
	"encoding/json"
	"fmt"

	"saga-coordinator/internal/saga"
	"saga-coordinator/pkg/api"
)

// NewContext seeds the shared context from a validated order request.
func NewContext(req *api.OrderRequest) *saga.Context {
	items := make([]saga.Item, len(req.Items))
	for i, item := range req.Items {
		items[i] = saga.Item{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = []string{"email"}
	}

	return &saga.Context{
		CustomerID: req.CustomerID,
		Items:      items,
		TotalAmount: req.TotalAmount,
		ShippingAddress: saga.Address{
			Line1:      req.ShippingAddress.Line1,
			Line2:      req.ShippingAddress.Line2,
			City:       req.ShippingAddress.City,
			PostalCode: req.ShippingAddress.PostalCode,
			Country:    req.ShippingAddress.Country,
		},
		PaymentMethod:    req.PaymentMethod,
		ShippingMethod:   req.ShippingMethod,
		Channels:         channels,
		NotificationType: "order_confirmation",
	}
}

// New builds a fresh order saga for the given request.
func New(req *api.OrderRequest) *saga.Saga {
	return saga.New(Steps(), NewContext(req))
}

// Steps returns the five-step order workflow. Step order is part of the
// contract: each step consumes identifiers produced by earlier ones.
func Steps() []*saga.Step {
	return []*saga.Step{
		{
			Participant:          "order",
			Name:                 "create_order",
			ActionEndpoint:       "/api/orders",
			CompensationEndpoint: "/api/orders/{order_id}/cancel",
			BuildPayload:         buildCreateOrder,
			MergeResponse:        mergeCreateOrder,
		},
		{
			Participant:          "inventory",
			Name:                 "reserve_inventory",
			ActionEndpoint:       "/api/inventory/reserve",
			CompensationEndpoint: "/api/inventory/release",
			// A refused reservation may still hold part of the order; the
			// release call must see the partial reservation list.
			CompensateOnRefusal: true,
			BuildPayload:        buildReserveInventory,
			MergeResponse:       mergeReserveInventory,
		},
		{
			Participant:          "payment",
			Name:                 "process_payment",
			ActionEndpoint:       "/api/payments/process",
			CompensationEndpoint: "/api/payments/refund",
			BuildPayload:         buildProcessPayment,
			MergeResponse:        mergeProcessPayment,
		},
		{
			Participant:          "shipping",
			Name:                 "schedule_shipping",
			ActionEndpoint:       "/api/shipping/schedule",
			CompensationEndpoint: "/api/shipping/cancel",
			BuildPayload:         buildScheduleShipping,
			MergeResponse:        mergeScheduleShipping,
		},
		{
			Participant:          "notification",
			Name:                 "send_notification",
			ActionEndpoint:       "/api/notifications/send",
			CompensationEndpoint: "/api/notifications/cancel",
			BuildPayload:         buildSendNotification,
			MergeResponse:        mergeSendNotification,
		},
	}
}

// Wire payloads. Every action request carries the saga ID, and after step 0
// the order ID, so participants can implement idempotent handlers.

type createOrderRequest struct {
	SagaID          string       `json:"saga_id"`
	CustomerID      string       `json:"customer_id"`
	Items           []saga.Item  `json:"items"`
	TotalAmount     float64      `json:"total_amount"`
	ShippingAddress saga.Address `json:"shipping_address"`
	PaymentMethod   string       `json:"payment_method"`
	ShippingMethod  string       `json:"shipping_method"`
}

type reserveInventoryRequest struct {
	SagaID  string      `json:"saga_id"`
	OrderID string      `json:"order_id"`
	Items   []saga.Item `json:"items"`
}

type processPaymentRequest struct {
	SagaID        string  `json:"saga_id"`
	OrderID       string  `json:"order_id"`
	CustomerID    string  `json:"customer_id"`
	TotalAmount   float64 `json:"total_amount"`
	PaymentMethod string  `json:"payment_method"`
}

type scheduleShippingRequest struct {
	SagaID          string       `json:"saga_id"`
	OrderID         string       `json:"order_id"`
	ShippingAddress saga.Address `json:"shipping_address"`
	ShippingMethod  string       `json:"shipping_method"`
	Items           []saga.Item  `json:"items"`
}

type sendNotificationRequest struct {
	SagaID           string   `json:"saga_id"`
	OrderID          string   `json:"order_id"`
	CustomerID       string   `json:"customer_id"`
	NotificationType string   `json:"notification_type"`
	Channels         []string `json:"channels"`
}

func buildCreateOrder(c *saga.Context) any {
	return createOrderRequest{
		SagaID:          c.SagaID,
		CustomerID:      c.CustomerID,
		Items:           c.Items,
		TotalAmount:     c.TotalAmount,
		ShippingAddress: c.ShippingAddress,
		PaymentMethod:   c.PaymentMethod,
		ShippingMethod:  c.ShippingMethod,
	}
}

func buildReserveInventory(c *saga.Context) any {
	return reserveInventoryRequest{
		SagaID:  c.SagaID,
		OrderID: c.OrderID,
		Items:   c.Items,
	}
}

func buildProcessPayment(c *saga.Context) any {
	return processPaymentRequest{
		SagaID:        c.SagaID,
		OrderID:       c.OrderID,
		CustomerID:    c.CustomerID,
		TotalAmount:   c.TotalAmount,
		PaymentMethod: c.PaymentMethod,
	}
}

func buildScheduleShipping(c *saga.Context) any {
	return scheduleShippingRequest{
		SagaID:          c.SagaID,
		OrderID:         c.OrderID,
		ShippingAddress: c.ShippingAddress,
		ShippingMethod:  c.ShippingMethod,
		Items:           c.Items,
	}
}

func buildSendNotification(c *saga.Context) any {
	return sendNotificationRequest{
		SagaID:           c.SagaID,
		OrderID:          c.OrderID,
		CustomerID:       c.CustomerID,
		NotificationType: c.NotificationType,
		Channels:         c.Channels,
	}
}

// Response mergers. Each one writes its own named context fields; a later
// step never overwrites an identifier set by an earlier one.

func mergeCreateOrder(raw json.RawMessage, c *saga.Context) error {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.OrderID == "" {
		return fmt.Errorf("order participant returned no order_id")
	}
	c.OrderID = resp.OrderID
	return nil
}

func mergeReserveInventory(raw json.RawMessage, c *saga.Context) error {
	var resp struct {
		Reservations []saga.Reservation `json:"reservations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	c.Reservations = resp.Reservations
	return nil
}

func mergeProcessPayment(raw json.RawMessage, c *saga.Context) error {
	var resp struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.PaymentID == "" {
		return fmt.Errorf("payment participant returned no payment_id")
	}
	c.PaymentID = resp.PaymentID
	return nil
}

func mergeScheduleShipping(raw json.RawMessage, c *saga.Context) error {
	var resp struct {
		ShippingID     string `json:"shipping_id"`
		TrackingNumber string `json:"tracking_number"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.ShippingID == "" {
		return fmt.Errorf("shipping participant returned no shipping_id")
	}
	// An empty tracking number is valid for non-shipped items.
	c.ShippingID = resp.ShippingID
	c.TrackingNumber = resp.TrackingNumber
	return nil
}

func mergeSendNotification(raw json.RawMessage, c *saga.Context) error {
	var resp struct {
		NotificationID string `json:"notification_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.NotificationID == "" {
		return fmt.Errorf("notification participant returned no notification_id")
	}
	c.NotificationID = resp.NotificationID
	return nil
}
