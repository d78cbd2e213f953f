// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderSide represents the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType represents the execution type of an order
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce represents how long an order remains active
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC" // Good till cancelled
	TIFIOC TimeInForce = "IOC" // Immediate or cancel
	TIFFOK TimeInForce = "FOK" // Fill or kill
)

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status is final. Terminal orders are
// immutable: no further status transitions or fills are accepted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is a concrete instruction to a broker with a unique client id.
// Quantity is always positive; direction is carried by Side.
type Order struct {
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	OrderID       string      `json:"order_id"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	BrokerID      string      `json:"broker_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Strategy      string      `json:"strategy,omitempty"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	TIF           TimeInForce `json:"tif"`
	Status        OrderStatus `json:"status"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	FilledQty     float64     `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Commission    float64     `json:"commission"`
}

// Validate checks the order invariants before it enters the pipeline
func (o *Order) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("order has no order_id")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("order %s has no symbol", o.OrderID)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order %s has invalid side %q", o.OrderID, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s has non-positive quantity %.4f", o.OrderID, o.Quantity)
	}
	if o.FilledQty < 0 || o.FilledQty > o.Quantity {
		return fmt.Errorf("order %s has filled_qty %.4f outside [0, %.4f]", o.OrderID, o.FilledQty, o.Quantity)
	}
	if (o.Type == OrderTypeLimit || o.Type == OrderTypeStopLimit) && o.Price <= 0 {
		return fmt.Errorf("order %s is %s but has no limit price", o.OrderID, o.Type)
	}
	if (o.Type == OrderTypeStop || o.Type == OrderTypeStopLimit) && o.StopPrice <= 0 {
		return fmt.Errorf("order %s is %s but has no stop price", o.OrderID, o.Type)
	}
	return nil
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}

// Notional returns the order value at its reference price.
// Market orders use the last known price passed by the caller.
func (o *Order) Notional(lastPrice float64) float64 {
	price := o.Price
	if price <= 0 {
		price = lastPrice
	}
	return o.Quantity * price
}

// SignedQuantity converts side + unsigned quantity into the signed
// convention used by portfolio accounting (buys positive, sells negative).
func (o *Order) SignedQuantity() float64 {
	if o.Side == SideSell {
		return -o.Quantity
	}
	return o.Quantity
}

// Fill is a (partial or complete) execution of an order reported by a broker
type Fill struct {
	Timestamp  time.Time `json:"timestamp"`
	FillID     string    `json:"fill_id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
}

// SignedQuantity returns the fill quantity with buys positive and sells
// negative, the convention applied at the portfolio boundary.
func (f *Fill) SignedQuantity() float64 {
	if f.Side == SideSell {
		return -f.Quantity
	}
	return f.Quantity
}
