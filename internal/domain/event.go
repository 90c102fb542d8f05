package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	PageView             EventType = "page_view"
	ProductView          EventType = "product_view"
	CollectionView       EventType = "collection_view"
	Search               EventType = "search"
	AddToCart            EventType = "add_to_cart"
	RemoveFromCart       EventType = "remove_from_cart"
	ViewCart             EventType = "view_cart"
	CheckoutStarted      EventType = "checkout_started"
	CheckoutCompleted    EventType = "checkout_completed"
	PaymentInfoSubmitted EventType = "payment_info_submitted"
	OrderPlaced          EventType = "order_placed"
	OrderUpdated         EventType = "order_updated"
	OrderCancelled       EventType = "order_cancelled"
	CustomerCreated      EventType = "customer_created"
	CustomerUpdated      EventType = "customer_updated"
	ProductCreated       EventType = "product_created"
	ProductUpdated       EventType = "product_updated"
	InventoryUpdated     EventType = "inventory_updated"
)

var eventTypes = map[EventType]struct{}{
	PageView: {}, ProductView: {}, CollectionView: {}, Search: {},
	AddToCart: {}, RemoveFromCart: {}, ViewCart: {},
	CheckoutStarted: {}, CheckoutCompleted: {}, PaymentInfoSubmitted: {},
	OrderPlaced: {}, OrderUpdated: {}, OrderCancelled: {},
	CustomerCreated: {}, CustomerUpdated: {},
	ProductCreated: {}, ProductUpdated: {}, InventoryUpdated: {},
}

// Valid reports whether t belongs to the closed set of event types.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

type PageContext struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

type EventContext struct {
	IP        string       `json:"ip,omitempty"`
	UserAgent string       `json:"userAgent,omitempty"`
	Page      *PageContext `json:"page,omitempty"`
}

// Event is a single commerce event for one shop. It is treated as immutable
// once it has been handed to the dispatcher; Properties must not be written
// after that point.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ShopDomain  string         `json:"shopDomain"`
	Type        EventType      `json:"eventType"`
	UserID      string         `json:"userId,omitempty"`
	AnonymousID string         `json:"anonymousId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	CustomerID  string         `json:"customerId,omitempty"`
	OrderID     string         `json:"orderId,omitempty"`
	ProductID   string         `json:"productId,omitempty"`
	VariantID   string         `json:"variantId,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Context     *EventContext  `json:"context,omitempty"`
}

type EventOption func(*Event)

func WithUserID(id string) EventOption     { return func(e *Event) { e.UserID = id } }
func WithCustomerID(id string) EventOption { return func(e *Event) { e.CustomerID = id } }
func WithOrderID(id string) EventOption    { return func(e *Event) { e.OrderID = id } }
func WithProductID(id string) EventOption  { return func(e *Event) { e.ProductID = id } }
func WithVariantID(id string) EventOption  { return func(e *Event) { e.VariantID = id } }
func WithContext(c EventContext) EventOption {
	return func(e *Event) { e.Context = &c }
}

// WithProperties merges props into the event's property map.
func WithProperties(props map[string]any) EventOption {
	return func(e *Event) {
		if e.Properties == nil {
			e.Properties = make(map[string]any, len(props))
		}
		for k, v := range props {
			e.Properties[k] = v
		}
	}
}

// NewEvent builds an event with a fresh id and the current UTC time.
func NewEvent(t EventType, shop string, opts ...EventOption) Event {
	e := Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		ShopDomain: shop,
		Type:       t,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}
