package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"eventrelay/internal/domain"
	"eventrelay/internal/retry"
)

var relayRetry = retry.Options{
	MaxAttempts:     2,
	BaseDelay:       500 * time.Millisecond,
	MaxDelay:        30 * time.Second,
	BackoffFactor:   2,
	RetryableErrors: []string{"ECONNRESET", "ETIMEDOUT"},
}

// PixelRelay fires browser-side pixel events through a Browserless
// instance. Endpoint and token come from each shop's config, so one relay
// serves every shop.
type PixelRelay struct {
	opts Options
}

func NewPixelRelay(opts Options) *PixelRelay {
	return &PixelRelay{opts: opts.withDefaults("", relayRetry)}
}

func (r *PixelRelay) Name() string { return domain.DestinationBrowserless }

func (r *PixelRelay) Configured(cfg domain.ShopConfig) bool { return cfg.RelayConfigured() }

// Fire sends one pixel event for e.
func (r *PixelRelay) Fire(ctx context.Context, e domain.Event, cfg domain.ShopConfig) error {
	code, err := pixelCode(e, cfg.Facebook.PixelID)
	if err != nil {
		return err
	}
	url := strings.TrimRight(cfg.Browserless.URL, "/") + "/function"

	return retry.Run(ctx, r.opts.Retry, func(ctx context.Context) error {
		resp, err := do(ctx, r.opts.HTTPClient, request{
			Method:  http.MethodPost,
			URL:     url,
			Headers: map[string]string{"Authorization": "Bearer " + cfg.Browserless.Token},
			Body: map[string]any{
				"code": code,
				"context": map[string]string{
					"eventId":   e.ID,
					"eventType": string(e.Type),
					"pixelId":   cfg.Facebook.PixelID,
				},
			},
		})
		if err != nil {
			return err
		}
		if !resp.ok() {
			return &domain.PermanentError{Destination: "Browserless", StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}
		var result struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(resp.Body, &result); err != nil || !result.Success {
			return fmt.Errorf("browserless execution failed: %s", resp.Body)
		}
		return nil
	})
}

func (r *PixelRelay) ValidateConnection(ctx context.Context, cfg domain.ShopConfig) bool {
	if !cfg.RelayConfigured() {
		return false
	}
	resp, err := do(ctx, r.opts.HTTPClient, request{
		Method:  http.MethodGet,
		URL:     strings.TrimRight(cfg.Browserless.URL, "/") + "/json/version",
		Headers: map[string]string{"Authorization": "Bearer " + cfg.Browserless.Token},
	})
	if err != nil {
		r.opts.Logger.Error().Err(err).Str("shop", cfg.Shop).Msg("browserless connection validation failed")
		return false
	}
	return resp.ok()
}

const pixelScript = `module.exports = async ({ page }) => {
  await page.goto('about:blank');
  await page.evaluate(() => {
    !function(f,b,e,v,n,t,s){if(f.fbq)return;n=f.fbq=function(){n.callMethod?
    n.callMethod.apply(n,arguments):n.queue.push(arguments)};if(!f._fbq)f._fbq=n;
    n.push=n;n.loaded=!0;n.version='2.0';n.queue=[];t=b.createElement(e);t.async=!0;
    t.src=v;s=b.getElementsByTagName(e)[0];s.parentNode.insertBefore(t,s)}(window,
    document,'script','https://connect.facebook.net/en_US/fbevents.js');
    fbq('init', %s);
    fbq('track', %s, %s, { eventID: %s });
  });
  await page.waitForTimeout(2000);
  return { success: true };
};`

// pixelCode renders the Browserless function for e. Every interpolated
// value is JSON-encoded so it lands in the script as a literal.
func pixelCode(e domain.Event, pixelID string) (string, error) {
	pe := toPixel(e)
	args := []any{pixelID, pe.Name, pe.Parameters, e.ID}
	quoted := make([]any, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encode pixel parameters: %w", err)
		}
		quoted[i] = string(b)
	}
	return fmt.Sprintf(pixelScript, quoted...), nil
}
