package domain

import (
	"encoding/json"
	"time"
)

// DeadLetter is an event task that exhausted its queue retry budget.
type DeadLetter struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	EventID   string          `json:"eventId"`
	Shop      string          `json:"shop"`
	EventType EventType       `json:"eventType"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError"`
	Payload   json.RawMessage `json:"payload"`
	FailedAt  time.Time       `json:"failedAt"`
}
