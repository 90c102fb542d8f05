package domain

import "testing"

func TestEventType_Valid(t *testing.T) {
	for typ := range eventTypes {
		if !typ.Valid() {
			t.Fatalf("expected %s to be valid", typ)
		}
	}
	if EventType("order_teleported").Valid() {
		t.Fatalf("expected unknown type to be invalid")
	}
	if len(eventTypes) != 18 {
		t.Fatalf("expected 18 event types, got %d", len(eventTypes))
	}
}

func TestNewEvent_AppliesOptions(t *testing.T) {
	e := NewEvent(OrderPlaced, "shop.myshopify.com",
		WithOrderID("1001"),
		WithUserID("u1"),
		WithProperties(map[string]any{"total_price": "10.00"}),
		WithProperties(map[string]any{"currency": "EUR"}),
	)

	if e.ID == "" {
		t.Fatalf("expected id to be generated")
	}
	if e.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
	if e.OrderID != "1001" || e.UserID != "u1" {
		t.Fatalf("expected ids to be set, got order=%q user=%q", e.OrderID, e.UserID)
	}
	if len(e.Properties) != 2 || e.Properties["currency"] != "EUR" {
		t.Fatalf("expected merged properties, got %v", e.Properties)
	}
}

func TestDeliveryStats_CloneIsDeep(t *testing.T) {
	s := NewDeliveryStats()
	s.ByType[OrderPlaced] = 1
	s.Destinations["segment"] = DestinationStats{Sent: 1}

	c := s.Clone()
	c.ByType[OrderPlaced] = 5
	c.Destinations["segment"] = DestinationStats{Sent: 9}

	if s.ByType[OrderPlaced] != 1 || s.Destinations["segment"].Sent != 1 {
		t.Fatalf("expected original to be untouched, got %+v", s)
	}
}
