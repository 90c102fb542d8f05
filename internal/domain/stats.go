package domain

import "time"

type DestinationStats struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type DeliveryStats struct {
	Total        int                         `json:"totalEvents"`
	Successful   int                         `json:"successfulEvents"`
	Failed       int                         `json:"failedEvents"`
	ByType       map[EventType]int           `json:"eventsByType"`
	Destinations map[string]DestinationStats `json:"destinationStats"`
}

func NewDeliveryStats() DeliveryStats {
	return DeliveryStats{
		ByType:       map[EventType]int{},
		Destinations: map[string]DestinationStats{},
	}
}

// Clone returns a deep copy.
func (s DeliveryStats) Clone() DeliveryStats {
	out := DeliveryStats{
		Total:        s.Total,
		Successful:   s.Successful,
		Failed:       s.Failed,
		ByType:       make(map[EventType]int, len(s.ByType)),
		Destinations: make(map[string]DestinationStats, len(s.Destinations)),
	}
	for k, v := range s.ByType {
		out.ByType[k] = v
	}
	for k, v := range s.Destinations {
		out.Destinations[k] = v
	}
	return out
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

type ConnectionState struct {
	Connected bool       `json:"connected"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type ConnectionStatus struct {
	Segment     ConnectionState `json:"segment"`
	Facebook    ConnectionState `json:"facebook"`
	Browserless ConnectionState `json:"browserless"`
}
