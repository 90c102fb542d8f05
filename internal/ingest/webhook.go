// Package ingest turns Shopify webhook deliveries into events.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"eventrelay/internal/domain"
)

var ErrUnknownTopic = errors.New("unknown webhook topic")

// Topics maps a webhook topic to the event type it produces.
var Topics = map[string]domain.EventType{
	"orders/create":           domain.OrderPlaced,
	"orders/updated":          domain.OrderUpdated,
	"orders/cancelled":        domain.OrderCancelled,
	"orders/paid":             domain.CheckoutCompleted,
	"checkouts/create":        domain.CheckoutStarted,
	"carts/update":            domain.ViewCart,
	"customers/create":        domain.CustomerCreated,
	"customers/update":        domain.CustomerUpdated,
	"products/create":         domain.ProductCreated,
	"products/update":         domain.ProductUpdated,
	"inventory_levels/update": domain.InventoryUpdated,
}

type customer struct {
	ID               json.Number `json:"id"`
	Email            string      `json:"email"`
	FirstName        string      `json:"first_name"`
	LastName         string      `json:"last_name"`
	AcceptsMarketing bool        `json:"accepts_marketing"`
	CreatedAt        string      `json:"created_at"`
	UpdatedAt        string      `json:"updated_at"`
}

type lineItem struct {
	ProductID json.Number `json:"product_id"`
	VariantID json.Number `json:"variant_id"`
	Quantity  int         `json:"quantity"`
	Price     string      `json:"price"`
	Title     string      `json:"title"`
}

type order struct {
	ID                json.Number `json:"id"`
	Number            json.Number `json:"number"`
	Token             string      `json:"token"`
	TotalPrice        string      `json:"total_price"`
	Currency          string      `json:"currency"`
	Email             string      `json:"email"`
	FinancialStatus   string      `json:"financial_status"`
	FulfillmentStatus string      `json:"fulfillment_status"`
	CancelReason      string      `json:"cancel_reason"`
	BrowserIP         string      `json:"browser_ip"`
	LandingSite       string      `json:"landing_site"`
	ClientDetails     *struct {
		UserAgent string `json:"user_agent"`
	} `json:"client_details"`
	LineItems []lineItem `json:"line_items"`
	Customer  *customer  `json:"customer"`
}

type variant struct {
	ID    json.Number `json:"id"`
	Title string      `json:"title"`
	Price string      `json:"price"`
	SKU   string      `json:"sku"`
}

type product struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	Vendor      string      `json:"vendor"`
	ProductType string      `json:"product_type"`
	Handle      string      `json:"handle"`
	Status      string      `json:"status"`
	Variants    []variant   `json:"variants"`
}

type inventoryLevel struct {
	InventoryItemID json.Number `json:"inventory_item_id"`
	LocationID      json.Number `json:"location_id"`
	Available       *int        `json:"available"`
	UpdatedAt       string      `json:"updated_at"`
}

// FromWebhook decodes body according to topic and builds the event for shop.
func FromWebhook(topic, shop string, body []byte) (domain.Event, error) {
	et, ok := Topics[topic]
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if shop == "" {
		return domain.Event{}, fmt.Errorf("%w: missing shop domain", domain.ErrInvalidEvent)
	}

	switch et {
	case domain.OrderPlaced, domain.OrderUpdated, domain.OrderCancelled, domain.CheckoutCompleted,
		domain.CheckoutStarted, domain.ViewCart:
		var o order
		if err := decode(body, &o); err != nil {
			return domain.Event{}, err
		}
		return fromOrder(et, shop, o), nil
	case domain.CustomerCreated, domain.CustomerUpdated:
		var c customer
		if err := decode(body, &c); err != nil {
			return domain.Event{}, err
		}
		return domain.NewEvent(et, shop,
			domain.WithUserID(c.ID.String()),
			domain.WithCustomerID(c.ID.String()),
			domain.WithProperties(map[string]any{
				"email":             c.Email,
				"first_name":        c.FirstName,
				"last_name":         c.LastName,
				"accepts_marketing": c.AcceptsMarketing,
				"created_at":        c.CreatedAt,
				"updated_at":        c.UpdatedAt,
			}),
		), nil
	case domain.ProductCreated, domain.ProductUpdated:
		var p product
		if err := decode(body, &p); err != nil {
			return domain.Event{}, err
		}
		variants := make([]any, 0, len(p.Variants))
		for _, v := range p.Variants {
			variants = append(variants, map[string]any{"id": v.ID.String(), "title": v.Title, "price": v.Price, "sku": v.SKU})
		}
		return domain.NewEvent(et, shop,
			domain.WithProductID(p.ID.String()),
			domain.WithProperties(map[string]any{
				"title":        p.Title,
				"vendor":       p.Vendor,
				"product_type": p.ProductType,
				"handle":       p.Handle,
				"status":       p.Status,
				"variants":     variants,
			}),
		), nil
	default:
		var l inventoryLevel
		if err := decode(body, &l); err != nil {
			return domain.Event{}, err
		}
		props := map[string]any{
			"inventory_item_id": l.InventoryItemID.String(),
			"location_id":       l.LocationID.String(),
			"updated_at":        l.UpdatedAt,
		}
		if l.Available != nil {
			props["available"] = *l.Available
		}
		return domain.NewEvent(et, shop, domain.WithProperties(props)), nil
	}
}

func fromOrder(et domain.EventType, shop string, o order) domain.Event {
	items := make([]any, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		items = append(items, map[string]any{
			"product_id": li.ProductID.String(),
			"variant_id": li.VariantID.String(),
			"quantity":   li.Quantity,
			"price":      li.Price,
			"title":      li.Title,
		})
	}
	props := map[string]any{
		"total_price": o.TotalPrice,
		"currency":    o.Currency,
		"email":       o.Email,
		"line_items":  items,
	}
	setIf(props, "order_number", o.Number.String())
	setIf(props, "financial_status", o.FinancialStatus)
	setIf(props, "fulfillment_status", o.FulfillmentStatus)
	setIf(props, "cancel_reason", o.CancelReason)
	setIf(props, "checkout_token", o.Token)

	opts := []domain.EventOption{domain.WithProperties(props)}
	if et != domain.CheckoutStarted && et != domain.ViewCart {
		opts = append(opts, domain.WithOrderID(o.ID.String()))
	}
	if c := o.Customer; c != nil && c.ID != "" {
		opts = append(opts, domain.WithUserID(c.ID.String()), domain.WithCustomerID(c.ID.String()))
		props["customer"] = map[string]any{
			"id":         c.ID.String(),
			"email":      c.Email,
			"first_name": c.FirstName,
			"last_name":  c.LastName,
		}
	}
	if o.BrowserIP != "" || o.ClientDetails != nil {
		ctx := domain.EventContext{IP: o.BrowserIP}
		if o.ClientDetails != nil {
			ctx.UserAgent = o.ClientDetails.UserAgent
		}
		if o.LandingSite != "" {
			ctx.Page = &domain.PageContext{URL: o.LandingSite}
		}
		opts = append(opts, domain.WithContext(ctx))
	}
	return domain.NewEvent(et, shop, opts...)
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode webhook payload: %v", domain.ErrInvalidEvent, err)
	}
	return nil
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
