package destination

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"eventrelay/internal/domain"
	"eventrelay/internal/retry"
)

const segmentBaseURL = "https://api.segment.io/v1"

var errSegmentWriteKey = errors.New("segment write key is required")

type Segment struct {
	opts Options
	now  func() time.Time
}

func NewSegment(opts Options) *Segment {
	return &Segment{opts: opts.withDefaults(segmentBaseURL, sendRetry), now: time.Now}
}

func (s *Segment) Name() string { return domain.DestinationSegment }

func (s *Segment) Configured(cfg domain.ShopConfig) bool {
	return cfg.Segment.Enabled && cfg.Segment.WriteKey != ""
}

func basicAuth(writeKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(writeKey+":"))
}

// Send delivers events as one batch call authenticated with the shop's
// write key.
func (s *Segment) Send(ctx context.Context, events []domain.Event, cfg domain.ShopConfig) error {
	if cfg.Segment.WriteKey == "" {
		return &domain.DeliveryError{Destination: s.Name(), Err: errSegmentWriteKey}
	}

	sentAt := s.now()
	batch := make([]segmentMessage, 0, len(events))
	for _, e := range events {
		batch = append(batch, toSegment(e, sentAt))
	}
	body := map[string]any{
		"batch":  batch,
		"sentAt": sentAt.UTC().Format(time.RFC3339Nano),
	}

	err := retry.Run(ctx, s.opts.Retry, func(ctx context.Context) error {
		resp, err := do(ctx, s.opts.HTTPClient, request{
			Method:  http.MethodPost,
			URL:     s.opts.BaseURL + "/batch",
			Headers: map[string]string{"Authorization": basicAuth(cfg.Segment.WriteKey)},
			Body:    body,
		})
		if err != nil {
			return err
		}
		if !resp.ok() {
			return &domain.PermanentError{Destination: "Segment", StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}
		return nil
	})
	if err != nil {
		return &domain.DeliveryError{Destination: s.Name(), Err: err}
	}

	s.opts.Logger.Info().
		Str("destination", s.Name()).
		Str("shop", cfg.Shop).
		Int("count", len(events)).
		Msg("sent events to segment")
	return nil
}

func (s *Segment) ValidateConnection(ctx context.Context, cfg domain.ShopConfig) bool {
	if cfg.Segment.WriteKey == "" {
		return false
	}
	resp, err := do(ctx, s.opts.HTTPClient, request{
		Method:  http.MethodPost,
		URL:     s.opts.BaseURL + "/identify",
		Headers: map[string]string{"Authorization": basicAuth(cfg.Segment.WriteKey)},
		Body: map[string]any{
			"userId":    "test-connection",
			"traits":    map[string]any{"test": true},
			"timestamp": s.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.opts.Logger.Error().Err(err).Str("shop", cfg.Shop).Msg("segment connection validation failed")
		return false
	}
	return resp.ok()
}
