// Package shopconfig owns per-shop destination settings. Secrets are
// encrypted with the vault before they reach the store and decrypted only
// on demand for a single send.
package shopconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"eventrelay/internal/domain"
	"eventrelay/internal/store"
	"eventrelay/internal/vault"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 30 * time.Second
)

type SegmentUpdate struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	WriteKey *string `json:"writeKey,omitempty"`
}

type FacebookUpdate struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	AccessToken *string `json:"accessToken,omitempty"`
	PixelID     *string `json:"pixelId,omitempty"`
}

type BrowserlessUpdate struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Token   *string `json:"token,omitempty"`
	URL     *string `json:"url,omitempty"`
}

// Update is a partial change to a shop's config. Nil fields are left as
// they are; an empty secret clears it.
type Update struct {
	Segment     *SegmentUpdate     `json:"segment,omitempty"`
	Facebook    *FacebookUpdate    `json:"facebook,omitempty"`
	Browserless *BrowserlessUpdate `json:"browserless,omitempty"`
}

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Now       func() time.Time
}

type Service struct {
	repo       store.ConfigRepository
	vault      *vault.Vault
	passphrase string
	cache      *expirable.LRU[string, domain.ShopConfig]
	now        func() time.Time
	log        zerolog.Logger
}

func New(repo store.ConfigRepository, v *vault.Vault, passphrase string, opts Options, logger zerolog.Logger) (*Service, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: encryption passphrase is required", domain.ErrConfiguration)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:       repo,
		vault:      v,
		passphrase: passphrase,
		cache:      expirable.NewLRU[string, domain.ShopConfig](opts.CacheSize, nil, opts.CacheTTL),
		now:        opts.Now,
		log:        logger,
	}, nil
}

// GetConfig returns the stored config with secrets still encrypted. A shop
// with no stored row gets a config with every destination disabled.
func (s *Service) GetConfig(ctx context.Context, shop string) (domain.ShopConfig, error) {
	if cfg, ok := s.cache.Get(shop); ok {
		return cfg, nil
	}
	cfg, err := s.repo.GetConfig(ctx, shop)
	if errors.Is(err, store.ErrNotFound) {
		cfg, err = domain.ShopConfig{Shop: shop}, nil
	}
	if err != nil {
		return domain.ShopConfig{}, fmt.Errorf("load config for %s: %w", shop, err)
	}
	s.cache.Add(shop, cfg)
	return cfg, nil
}

// GetDecryptedConfig returns a copy with secrets in plaintext. A secret that
// fails to decrypt is blanked, which leaves its destination unconfigured.
func (s *Service) GetDecryptedConfig(ctx context.Context, shop string) (domain.ShopConfig, error) {
	cfg, err := s.GetConfig(ctx, shop)
	if err != nil {
		return domain.ShopConfig{}, err
	}
	cfg.Segment.WriteKey = s.decrypt(shop, domain.DestinationSegment, cfg.Segment.WriteKey)
	cfg.Facebook.AccessToken = s.decrypt(shop, domain.DestinationFacebook, cfg.Facebook.AccessToken)
	cfg.Browserless.Token = s.decrypt(shop, domain.DestinationBrowserless, cfg.Browserless.Token)
	return cfg, nil
}

func (s *Service) decrypt(shop, destination, token string) string {
	if token == "" {
		return ""
	}
	plain, err := s.vault.Decrypt(token, s.passphrase)
	if err != nil {
		s.log.Error().Err(err).Str("shop", shop).Str("destination", destination).Msg("failed to decrypt credential")
		return ""
	}
	return plain
}

// UpdateConfig applies u, encrypting any new secrets, and returns the
// stored (encrypted) result.
func (s *Service) UpdateConfig(ctx context.Context, shop string, u Update) (domain.ShopConfig, error) {
	if shop == "" {
		return domain.ShopConfig{}, fmt.Errorf("%w: shop is required", domain.ErrConfiguration)
	}
	s.cache.Remove(shop)
	cfg, err := s.GetConfig(ctx, shop)
	if err != nil {
		return domain.ShopConfig{}, err
	}

	if u.Segment != nil {
		setBool(&cfg.Segment.Enabled, u.Segment.Enabled)
		if err := s.setSecret(&cfg.Segment.WriteKey, u.Segment.WriteKey); err != nil {
			return domain.ShopConfig{}, err
		}
	}
	if u.Facebook != nil {
		setBool(&cfg.Facebook.Enabled, u.Facebook.Enabled)
		setString(&cfg.Facebook.PixelID, u.Facebook.PixelID)
		if err := s.setSecret(&cfg.Facebook.AccessToken, u.Facebook.AccessToken); err != nil {
			return domain.ShopConfig{}, err
		}
	}
	if u.Browserless != nil {
		setBool(&cfg.Browserless.Enabled, u.Browserless.Enabled)
		setString(&cfg.Browserless.URL, u.Browserless.URL)
		if err := s.setSecret(&cfg.Browserless.Token, u.Browserless.Token); err != nil {
			return domain.ShopConfig{}, err
		}
	}

	if err := s.repo.SaveConfig(ctx, cfg); err != nil {
		return domain.ShopConfig{}, fmt.Errorf("save config for %s: %w", shop, err)
	}
	s.cache.Remove(shop)
	s.log.Info().Str("shop", shop).Msg("shop config updated")
	return cfg, nil
}

func (s *Service) setSecret(dst *string, v *string) error {
	if v == nil {
		return nil
	}
	if *v == "" {
		*dst = ""
		return nil
	}
	enc, err := s.vault.Encrypt(*v, s.passphrase)
	if err != nil {
		return err
	}
	*dst = enc
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// RecordSync stores the outcome of a connection check for one destination.
func (s *Service) RecordSync(ctx context.Context, shop, destination string, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	if err := s.repo.RecordSync(ctx, shop, destination, s.now(), msg); err != nil {
		return fmt.Errorf("record sync for %s/%s: %w", shop, destination, err)
	}
	s.cache.Remove(shop)
	return nil
}

func (s *Service) Shops(ctx context.Context) ([]string, error) {
	return s.repo.ListShops(ctx)
}

// Redact blanks every secret so cfg can leave the process.
func Redact(cfg domain.ShopConfig) domain.ShopConfig {
	cfg.Segment.WriteKey = ""
	cfg.Facebook.AccessToken = ""
	cfg.Browserless.Token = ""
	return cfg
}
