// Package destination forwards events to third-party marketing and
// analytics systems.
package destination

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"eventrelay/internal/domain"
	"eventrelay/internal/retry"
)

// Checker confirms that a destination's credentials for a shop are live.
type Checker interface {
	Name() string
	// Configured reports whether cfg enables this destination with
	// credentials that look usable.
	Configured(cfg domain.ShopConfig) bool
	// ValidateConnection performs a lightweight authenticated call. It
	// returns false on any failure.
	ValidateConnection(ctx context.Context, cfg domain.ShopConfig) bool
}

// Adapter delivers events to one destination. Send returns a
// *domain.DeliveryError when the batch could not be delivered.
type Adapter interface {
	Checker
	Send(ctx context.Context, events []domain.Event, cfg domain.ShopConfig) error
}

// Options are shared by every adapter.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Retry      retry.Options
	Logger     zerolog.Logger
}

func (o Options) withDefaults(baseURL string, r retry.Options) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = r
	}
	return o
}

// sendRetry is the policy for outbound destination calls: only
// network-class failures are retried.
var sendRetry = retry.Options{
	MaxAttempts:     3,
	BaseDelay:       time.Second,
	MaxDelay:        30 * time.Second,
	BackoffFactor:   2,
	RetryableErrors: retry.NetworkErrors,
}
