package destination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"eventrelay/internal/domain"
	"eventrelay/internal/retry"
)

const facebookBaseURL = "https://graph.facebook.com/v18.0"

var errFacebookCredentials = errors.New("facebook access token and pixel ID are required")

type FacebookOptions struct {
	Options
	// TestEventCode is attached to every CAPI request when set, routing
	// events to the Events Manager test tab.
	TestEventCode string
	// Relay, when set, fires a browser pixel per event for shops that
	// configure Browserless.
	Relay *PixelRelay
}

type Facebook struct {
	opts  Options
	code  string
	relay *PixelRelay
}

func NewFacebook(opts FacebookOptions) *Facebook {
	return &Facebook{
		opts:  opts.Options.withDefaults(facebookBaseURL, sendRetry),
		code:  opts.TestEventCode,
		relay: opts.Relay,
	}
}

func (f *Facebook) Name() string { return domain.DestinationFacebook }

func (f *Facebook) Configured(cfg domain.ShopConfig) bool {
	return cfg.Facebook.Enabled && cfg.Facebook.AccessToken != ""
}

// Send posts events to the Conversions API and, concurrently, fires the
// pixel relay. Relay failures are logged and never fail the send.
func (f *Facebook) Send(ctx context.Context, events []domain.Event, cfg domain.ShopConfig) error {
	if cfg.Facebook.AccessToken == "" || cfg.Facebook.PixelID == "" {
		return &domain.DeliveryError{Destination: f.Name(), Err: errFacebookCredentials}
	}

	var g errgroup.Group
	g.Go(func() error {
		return f.sendConversions(ctx, events, cfg)
	})
	g.Go(func() error {
		f.sendPixels(ctx, events, cfg)
		return nil
	})
	if err := g.Wait(); err != nil {
		return &domain.DeliveryError{Destination: f.Name(), Err: err}
	}
	return nil
}

func (f *Facebook) sendConversions(ctx context.Context, events []domain.Event, cfg domain.ShopConfig) error {
	data := make([]facebookEvent, 0, len(events))
	for _, e := range events {
		data = append(data, toFacebook(e))
	}
	body := map[string]any{"data": data}
	if f.code != "" {
		body["test_event_code"] = f.code
	}
	endpoint := fmt.Sprintf("%s/%s/events?%s", f.opts.BaseURL, url.PathEscape(cfg.Facebook.PixelID),
		url.Values{"access_token": {cfg.Facebook.AccessToken}}.Encode())

	return retry.Run(ctx, f.opts.Retry, func(ctx context.Context) error {
		resp, err := do(ctx, f.opts.HTTPClient, request{Method: http.MethodPost, URL: endpoint, Body: body})
		if err != nil {
			return err
		}
		if !resp.ok() {
			return &domain.PermanentError{Destination: "Facebook CAPI", StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}

		var result struct {
			EventsReceived int             `json:"events_received"`
			Error          json.RawMessage `json:"error"`
		}
		_ = json.Unmarshal(resp.Body, &result)
		if len(result.Error) > 0 && string(result.Error) != "null" {
			return &domain.PermanentError{Destination: "Facebook CAPI", StatusCode: resp.StatusCode, Body: string(result.Error)}
		}

		f.opts.Logger.Info().
			Str("destination", f.Name()).
			Str("shop", cfg.Shop).
			Int("count", len(events)).
			Int("events_received", result.EventsReceived).
			Msg("sent events to facebook capi")
		return nil
	})
}

func (f *Facebook) sendPixels(ctx context.Context, events []domain.Event, cfg domain.ShopConfig) {
	if f.relay == nil || !cfg.RelayConfigured() {
		f.opts.Logger.Debug().Str("shop", cfg.Shop).Msg("browserless not configured, skipping pixel events")
		return
	}
	for _, e := range events {
		if err := f.relay.Fire(ctx, e, cfg); err != nil {
			f.opts.Logger.Error().Err(err).
				Str("event_id", e.ID).
				Str("event_type", string(e.Type)).
				Msg("failed to send pixel event via browserless")
		}
	}
}

func (f *Facebook) ValidateConnection(ctx context.Context, cfg domain.ShopConfig) bool {
	if cfg.Facebook.AccessToken == "" || cfg.Facebook.PixelID == "" {
		return false
	}
	endpoint := fmt.Sprintf("%s/%s?%s", f.opts.BaseURL, url.PathEscape(cfg.Facebook.PixelID), url.Values{
		"access_token": {cfg.Facebook.AccessToken},
		"fields":       {"name,id"},
	}.Encode())

	resp, err := do(ctx, f.opts.HTTPClient, request{Method: http.MethodGet, URL: endpoint})
	if err != nil {
		f.opts.Logger.Error().Err(err).Str("shop", cfg.Shop).Msg("facebook connection validation failed")
		return false
	}
	if !resp.ok() {
		return false
	}
	var result struct {
		ID    string          `json:"id"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return false
	}
	return len(result.Error) == 0 && result.ID == cfg.Facebook.PixelID
}
