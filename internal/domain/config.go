package domain

import "time"

// Destination names used as stats keys, log fields and API keys.
const (
	DestinationSegment     = "segment"
	DestinationFacebook    = "facebook"
	DestinationBrowserless = "browserless"
)

// SyncState is the outcome of the most recent connection check.
type SyncState struct {
	LastSync  time.Time `json:"lastSync,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type SegmentConfig struct {
	Enabled  bool   `json:"enabled"`
	WriteKey string `json:"writeKey,omitempty"`
	SyncState
}

type FacebookConfig struct {
	Enabled     bool   `json:"enabled"`
	AccessToken string `json:"accessToken,omitempty"`
	PixelID     string `json:"pixelId,omitempty"`
	SyncState
}

type BrowserlessConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	URL     string `json:"url,omitempty"`
	SyncState
}

// ShopConfig is the destination configuration of one shop. It holds no
// pointers or maps so that a copy never aliases another send's config.
type ShopConfig struct {
	Shop        string            `json:"shop"`
	Segment     SegmentConfig     `json:"segment"`
	Facebook    FacebookConfig    `json:"facebook"`
	Browserless BrowserlessConfig `json:"browserless"`
}

// RelayConfigured reports whether the browser pixel relay can be used.
func (c ShopConfig) RelayConfigured() bool {
	return c.Browserless.Enabled && c.Browserless.Token != "" && c.Browserless.URL != ""
}
