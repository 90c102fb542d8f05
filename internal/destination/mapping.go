package destination

import (
	"strings"
	"time"

	"eventrelay/internal/domain"
	"eventrelay/internal/vault"
)

type segmentMapping struct {
	kind  string
	event string
}

var segmentEvents = map[domain.EventType]segmentMapping{
	domain.PageView:             {kind: "page"},
	domain.ProductView:          {kind: "track", event: "Product Viewed"},
	domain.CollectionView:       {kind: "track", event: "Product List Viewed"},
	domain.Search:               {kind: "track", event: "Products Searched"},
	domain.AddToCart:            {kind: "track", event: "Product Added"},
	domain.RemoveFromCart:       {kind: "track", event: "Product Removed"},
	domain.ViewCart:             {kind: "track", event: "Cart Viewed"},
	domain.CheckoutStarted:      {kind: "track", event: "Checkout Started"},
	domain.CheckoutCompleted:    {kind: "track", event: "Order Completed"},
	domain.PaymentInfoSubmitted: {kind: "track", event: "Payment Info Entered"},
	domain.OrderPlaced:          {kind: "track", event: "Order Completed"},
	domain.OrderUpdated:         {kind: "track", event: "Order Updated"},
	domain.OrderCancelled:       {kind: "track", event: "Order Cancelled"},
	domain.CustomerCreated:      {kind: "identify"},
	domain.CustomerUpdated:      {kind: "identify"},
	domain.ProductCreated:       {kind: "track", event: "Product Created"},
	domain.ProductUpdated:       {kind: "track", event: "Product Updated"},
	domain.InventoryUpdated:     {kind: "track", event: "Inventory Updated"},
}

var facebookEvents = map[domain.EventType]string{
	domain.PageView:             "PageView",
	domain.ProductView:          "ViewContent",
	domain.CollectionView:       "ViewContent",
	domain.Search:               "Search",
	domain.AddToCart:            "AddToCart",
	domain.RemoveFromCart:       "AddToCart",
	domain.ViewCart:             "ViewContent",
	domain.CheckoutStarted:      "InitiateCheckout",
	domain.CheckoutCompleted:    "Purchase",
	domain.PaymentInfoSubmitted: "AddPaymentInfo",
	domain.OrderPlaced:          "Purchase",
	domain.OrderUpdated:         "Purchase",
	domain.OrderCancelled:       "Purchase",
	domain.CustomerCreated:      "CompleteRegistration",
	domain.CustomerUpdated:      "Lead",
	domain.ProductCreated:       "Lead",
	domain.ProductUpdated:       "Lead",
	domain.InventoryUpdated:     "Lead",
}

type segmentMessage struct {
	Type        string               `json:"type"`
	Event       string               `json:"event,omitempty"`
	UserID      string               `json:"userId,omitempty"`
	AnonymousID string               `json:"anonymousId,omitempty"`
	MessageID   string               `json:"messageId"`
	Timestamp   string               `json:"timestamp"`
	SentAt      string               `json:"sentAt"`
	Properties  map[string]any       `json:"properties,omitempty"`
	Traits      map[string]any       `json:"traits,omitempty"`
	Context     *domain.EventContext `json:"context,omitempty"`
}

func toSegment(e domain.Event, sentAt time.Time) segmentMessage {
	m, ok := segmentEvents[e.Type]
	if !ok {
		m = segmentMapping{kind: "track", event: string(e.Type)}
	}
	props := copyProps(e.Properties, 6)
	setIf(props, "shopDomain", e.ShopDomain)
	setIf(props, "customerId", e.CustomerID)
	setIf(props, "orderId", e.OrderID)
	setIf(props, "productId", e.ProductID)
	setIf(props, "variantId", e.VariantID)

	msg := segmentMessage{
		Type:        m.kind,
		Event:       m.event,
		UserID:      e.UserID,
		AnonymousID: e.AnonymousID,
		MessageID:   e.ID,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		SentAt:      sentAt.UTC().Format(time.RFC3339Nano),
		Context:     e.Context,
	}
	if m.kind == "identify" {
		msg.Traits = props
	} else {
		msg.Properties = props
	}
	return msg
}

type facebookUserData struct {
	Email           []string `json:"em,omitempty"`
	ClientIP        string   `json:"client_ip_address,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
}

type facebookEvent struct {
	EventName      string           `json:"event_name"`
	EventTime      int64            `json:"event_time"`
	ActionSource   string           `json:"action_source"`
	UserData       facebookUserData `json:"user_data"`
	CustomData     map[string]any   `json:"custom_data,omitempty"`
	EventSourceURL string           `json:"event_source_url,omitempty"`
	EventID        string           `json:"event_id"`
}

func toFacebook(e domain.Event) facebookEvent {
	name, ok := facebookEvents[e.Type]
	if !ok {
		name = string(e.Type)
	}
	custom := copyProps(e.Properties, 5)
	setIf(custom, "shop_domain", e.ShopDomain)
	setIf(custom, "customer_id", e.CustomerID)
	setIf(custom, "order_id", e.OrderID)
	setIf(custom, "product_id", e.ProductID)
	setIf(custom, "variant_id", e.VariantID)

	fb := facebookEvent{
		EventName:    name,
		EventTime:    e.Timestamp.Unix(),
		ActionSource: "website",
		CustomData:   custom,
		EventID:      e.ID,
	}
	if email, ok := e.Properties["email"].(string); ok && email != "" {
		// CAPI matches on the SHA-256 of the normalized address.
		fb.UserData.Email = []string{vault.Hash(strings.ToLower(strings.TrimSpace(email)))}
	}
	if c := e.Context; c != nil {
		fb.UserData.ClientIP = c.IP
		fb.UserData.ClientUserAgent = c.UserAgent
		if c.Page != nil {
			fb.EventSourceURL = c.Page.URL
		}
	}
	return fb
}

type pixelEvent struct {
	Name       string
	Parameters map[string]any
}

func toPixel(e domain.Event) pixelEvent {
	params := map[string]any{
		"source":      "shopify",
		"shop_domain": e.ShopDomain,
	}
	currency := "USD"
	if c, ok := e.Properties["currency"].(string); ok && c != "" {
		currency = c
	}
	lineItems, _ := e.Properties["line_items"].([]any)
	numItems := len(lineItems)
	if numItems == 0 {
		numItems = 1
	}

	switch e.Type {
	case domain.PageView:
		return pixelEvent{Name: "PageView", Parameters: params}
	case domain.ProductView:
		params["content_ids"] = []string{e.ProductID}
		params["content_type"] = "product"
		params["value"] = e.Properties["price"]
		params["currency"] = currency
		return pixelEvent{Name: "ViewContent", Parameters: params}
	case domain.AddToCart:
		params["content_ids"] = []string{e.ProductID}
		params["content_type"] = "product"
		params["value"] = e.Properties["price"]
		params["currency"] = currency
		params["num_items"] = 1
		if q, ok := e.Properties["quantity"]; ok {
			params["num_items"] = q
		}
		return pixelEvent{Name: "AddToCart", Parameters: params}
	case domain.CheckoutStarted:
		params["value"] = e.Properties["total_price"]
		params["currency"] = currency
		params["num_items"] = numItems
		return pixelEvent{Name: "InitiateCheckout", Parameters: params}
	case domain.OrderPlaced:
		ids := make([]any, 0, len(lineItems))
		for _, li := range lineItems {
			if m, ok := li.(map[string]any); ok {
				ids = append(ids, m["product_id"])
			}
		}
		params["value"] = e.Properties["total_price"]
		params["currency"] = currency
		params["content_ids"] = ids
		params["content_type"] = "product"
		params["num_items"] = numItems
		return pixelEvent{Name: "Purchase", Parameters: params}
	case domain.CustomerCreated:
		return pixelEvent{Name: "CompleteRegistration", Parameters: params}
	default:
		params["event_type"] = string(e.Type)
		return pixelEvent{Name: "CustomEvent", Parameters: params}
	}
}

func copyProps(src map[string]any, extra int) map[string]any {
	out := make(map[string]any, len(src)+extra)
	for k, v := range src {
		out[k] = v
	}
	return out
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
