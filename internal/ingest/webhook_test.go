package ingest

import (
	"errors"
	"testing"

	"eventrelay/internal/domain"
)

const shop = "demo.myshopify.com"

func TestFromWebhook_OrderCreate(t *testing.T) {
	body := []byte(`{
		"id": 450789469, "number": 1001, "total_price": "598.94", "currency": "USD",
		"email": "bob@example.com", "financial_status": "paid",
		"browser_ip": "203.0.113.9", "landing_site": "https://demo.myshopify.com/",
		"client_details": {"user_agent": "Mozilla/5.0"},
		"line_items": [{"product_id": 632910392, "variant_id": 808950810, "quantity": 1, "price": "199.00", "title": "IPod Nano"}],
		"customer": {"id": 207119551, "email": "bob@example.com", "first_name": "Bob", "last_name": "Norman"}
	}`)

	ev, err := FromWebhook("orders/create", shop, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != domain.OrderPlaced || ev.ShopDomain != shop {
		t.Fatalf("unexpected event header: %+v", ev)
	}
	if ev.OrderID != "450789469" || ev.UserID != "207119551" || ev.CustomerID != "207119551" {
		t.Fatalf("expected ids as decimal strings, got order=%q user=%q", ev.OrderID, ev.UserID)
	}
	if ev.Properties["total_price"] != "598.94" || ev.Properties["order_number"] != "1001" {
		t.Fatalf("unexpected properties: %v", ev.Properties)
	}
	items := ev.Properties["line_items"].([]any)
	if items[0].(map[string]any)["product_id"] != "632910392" {
		t.Fatalf("expected line item product id, got %v", items[0])
	}
	if ev.Context == nil || ev.Context.IP != "203.0.113.9" || ev.Context.UserAgent != "Mozilla/5.0" || ev.Context.Page.URL != "https://demo.myshopify.com/" {
		t.Fatalf("expected client context, got %+v", ev.Context)
	}
}

func TestFromWebhook_CheckoutHasNoOrderID(t *testing.T) {
	ev, err := FromWebhook("checkouts/create", shop, []byte(`{"id": 1, "token": "abc", "total_price": "10.00"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != domain.CheckoutStarted || ev.OrderID != "" || ev.Properties["checkout_token"] != "abc" {
		t.Fatalf("unexpected checkout event: %+v", ev)
	}
	if ev.Context != nil {
		t.Fatalf("expected no context without client details")
	}
}

func TestFromWebhook_Customer(t *testing.T) {
	ev, err := FromWebhook("customers/update", shop, []byte(`{"id": 42, "email": "a@b.c", "accepts_marketing": true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != domain.CustomerUpdated || ev.UserID != "42" || ev.Properties["accepts_marketing"] != true {
		t.Fatalf("unexpected customer event: %+v", ev)
	}
}

func TestFromWebhook_ProductAndInventory(t *testing.T) {
	ev, err := FromWebhook("products/create", shop, []byte(`{"id": 7, "title": "Mug", "variants": [{"id": 70, "price": "12.00", "sku": "MUG"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ProductID != "7" || len(ev.Properties["variants"].([]any)) != 1 {
		t.Fatalf("unexpected product event: %+v", ev)
	}

	ev, err = FromWebhook("inventory_levels/update", shop, []byte(`{"inventory_item_id": 9, "location_id": 3, "available": 0}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != domain.InventoryUpdated || ev.Properties["available"] != 0 || ev.Properties["location_id"] != "3" {
		t.Fatalf("unexpected inventory event: %+v", ev.Properties)
	}
}

func TestFromWebhook_EveryTopicMapsToValidType(t *testing.T) {
	for topic, et := range Topics {
		if !et.Valid() {
			t.Fatalf("%s maps to invalid type %q", topic, et)
		}
		if _, err := FromWebhook(topic, shop, []byte(`{}`)); err != nil {
			t.Fatalf("%s: expected empty payload to map, got %v", topic, err)
		}
	}
}

func TestFromWebhook_Errors(t *testing.T) {
	if _, err := FromWebhook("app/uninstalled", shop, []byte(`{}`)); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
	if _, err := FromWebhook("orders/create", "", []byte(`{}`)); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for missing shop, got %v", err)
	}
	if _, err := FromWebhook("orders/create", shop, []byte(`{"id":`)); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for bad json, got %v", err)
	}
}
