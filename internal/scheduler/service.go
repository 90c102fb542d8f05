// Package scheduler periodically probes every shop's destinations and
// records the outcome as the destination's sync state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"eventrelay/internal/destination"
	"eventrelay/internal/domain"
)

const (
	DefaultSpec     = "*/15 * * * *"
	checkLimit      = 4
	checkTimeout    = 15 * time.Second
	listShopTimeout = 10 * time.Second
)

var ErrConnectionCheck = errors.New("connection check failed")

// SyncStore lists shops, resolves their credentials and stores check
// results.
type SyncStore interface {
	Shops(ctx context.Context) ([]string, error)
	GetDecryptedConfig(ctx context.Context, shop string) (domain.ShopConfig, error)
	RecordSync(ctx context.Context, shop, destination string, syncErr error) error
}

type Service struct {
	store    SyncStore
	checkers []destination.Checker
	spec     string
	cron     *cron.Cron
	stop     chan struct{}
	log      zerolog.Logger
}

func NewService(store SyncStore, checkers []destination.Checker, spec string, logger zerolog.Logger) (*Service, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if err := ValidateCronExpression(spec); err != nil {
		return nil, fmt.Errorf("%w: connection check schedule %q: %v", domain.ErrConfiguration, spec, err)
	}
	cl := cronLogger{log: logger}
	return &Service{
		store:    store,
		checkers: checkers,
		spec:     spec,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		stop:     make(chan struct{}),
		log:      logger,
	}, nil
}

// Start runs the check on schedule until ctx is cancelled or Stop is
// called, then waits for a running check to finish.
func (s *Service) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if err := s.CheckAll(ctx); err != nil {
			s.log.Error().Err(err).Msg("connection check run failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	if next, err := NextRunTime(s.spec, time.Now()); err == nil {
		s.log.Info().Str("spec", s.spec).Time("next_run", next).Msg("connection scheduler started")
	}

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("connection scheduler stopped")
	return nil
}

func (s *Service) Stop() {
	close(s.stop)
}

// CheckAll validates every configured destination of every shop, at most
// checkLimit at a time, and records each result.
func (s *Service) CheckAll(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, listShopTimeout)
	shops, err := s.store.Shops(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list shops: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkLimit)
	checked := 0
	for _, shop := range shops {
		cfg, err := s.store.GetDecryptedConfig(ctx, shop)
		if err != nil {
			s.log.Error().Err(err).Str("shop", shop).Msg("failed to load config for connection check")
			continue
		}
		for _, c := range s.checkers {
			if !c.Configured(cfg) {
				continue
			}
			checked++
			c := c
			g.Go(func() error {
				s.check(gctx, c, cfg)
				return nil
			})
		}
	}
	_ = g.Wait()

	s.log.Info().Int("shops", len(shops)).Int("checks", checked).Msg("connection check finished")
	return nil
}

func (s *Service) check(ctx context.Context, c destination.Checker, cfg domain.ShopConfig) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var syncErr error
	if !c.ValidateConnection(ctx, cfg) {
		syncErr = ErrConnectionCheck
	}
	if err := s.store.RecordSync(ctx, cfg.Shop, c.Name(), syncErr); err != nil {
		s.log.Error().Err(err).Str("shop", cfg.Shop).Str("destination", c.Name()).Msg("failed to record sync")
		return
	}
	s.log.Debug().
		Str("shop", cfg.Shop).
		Str("destination", c.Name()).
		Bool("connected", syncErr == nil).
		Msg("connection checked")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes cron's internal logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
