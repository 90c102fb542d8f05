// Package dispatcher queues inbound events and fans each one out to every
// destination a shop has configured, keeping per-shop delivery stats.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"eventrelay/internal/deadletter"
	"eventrelay/internal/destination"
	"eventrelay/internal/domain"
	"eventrelay/internal/queue"
	"eventrelay/internal/worker"
)

const (
	PriorityHigh   = 10
	PriorityMedium = 5
	PriorityLow    = 1

	DefaultDrainInterval   = time.Second
	DefaultMaxTrackedShops = 10000

	deadLetterTimeout = 5 * time.Second
)

var ErrNoDestinations = errors.New("no destinations configured")

// ConfigSource resolves a shop's destination config. GetConfig may return
// secrets still encrypted; GetDecryptedConfig returns a per-call copy in
// plaintext.
type ConfigSource interface {
	GetConfig(ctx context.Context, shop string) (domain.ShopConfig, error)
	GetDecryptedConfig(ctx context.Context, shop string) (domain.ShopConfig, error)
}

type Options struct {
	Queue           queue.Options
	DrainInterval   time.Duration
	MaxTrackedShops int
}

// Counters are process-lifetime totals across every shop.
type Counters struct {
	Enqueued     uint64
	Dispatched   uint64
	DeadLettered uint64
}

type TestResult struct {
	Success      bool     `json:"success"`
	EventID      string   `json:"eventId"`
	Destinations []string `json:"destinations"`
}

type Dispatcher struct {
	queue      *queue.Queue[domain.Event]
	configs    ConfigSource
	adapters   []destination.Adapter
	sink       deadletter.Sink
	drainEvery time.Duration
	log        zerolog.Logger

	mu    sync.Mutex
	stats *lru.Cache[string, *domain.DeliveryStats]

	enqueued     atomic.Uint64
	dispatched   atomic.Uint64
	deadLettered atomic.Uint64
}

func New(opts Options, configs ConfigSource, adapters []destination.Adapter, sink deadletter.Sink, logger zerolog.Logger) (*Dispatcher, error) {
	if opts.DrainInterval < 0 || opts.MaxTrackedShops < 0 {
		return nil, fmt.Errorf("%w: dispatcher options must be non-negative", domain.ErrConfiguration)
	}
	if opts.DrainInterval == 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.MaxTrackedShops == 0 {
		opts.MaxTrackedShops = DefaultMaxTrackedShops
	}
	if sink == nil {
		sink = deadletter.Log{Logger: logger}
	}

	d := &Dispatcher{
		configs:    configs,
		adapters:   adapters,
		sink:       sink,
		drainEvery: opts.DrainInterval,
		log:        logger,
	}

	stats, err := lru.NewWithEvict[string, *domain.DeliveryStats](opts.MaxTrackedShops, func(shop string, _ *domain.DeliveryStats) {
		d.log.Warn().Str("shop", shop).Msg("evicted delivery stats for least recently active shop")
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	d.stats = stats

	q, err := queue.New[domain.Event](opts.Queue, queue.WithExhausted[domain.Event](d.deadLetter))
	if err != nil {
		return nil, err
	}
	d.queue = q
	return d, nil
}

// Priority returns the queue priority tier for an event type.
func Priority(t domain.EventType) int {
	switch t {
	case domain.OrderPlaced, domain.CheckoutCompleted:
		return PriorityHigh
	case domain.AddToCart, domain.CheckoutStarted:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ProcessEvent validates ev and enqueues it. It returns the task id.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev domain.Event) (string, error) {
	if !ev.Type.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownEventType, ev.Type)
	}
	if ev.ShopDomain == "" {
		return "", fmt.Errorf("%w: shop domain is required", domain.ErrInvalidEvent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	priority := Priority(ev.Type)
	id := d.queue.Add(ev, priority)
	d.enqueued.Add(1)
	d.log.Debug().
		Str("task_id", id).
		Str("event_id", ev.ID).
		Str("shop", ev.ShopDomain).
		Str("event_type", string(ev.Type)).
		Int("priority", priority).
		Msg("event enqueued")
	return id, nil
}

// Run drains the queue every DrainInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	worker.NewPool(d.drainEvery, d.log, d).Run(ctx)
}

// Drain admits ready tasks once. It does not wait for them to finish.
func (d *Dispatcher) Drain(ctx context.Context) []string {
	return d.queue.Process(ctx, d.handle)
}

// Wait blocks until every admitted task has settled.
func (d *Dispatcher) Wait() { d.queue.Wait() }

func (d *Dispatcher) handle(ctx context.Context, t queue.Task[domain.Event]) error {
	ev := t.Payload
	cfg, err := d.configs.GetDecryptedConfig(ctx, ev.ShopDomain)
	if err != nil {
		return fmt.Errorf("resolve config for %s: %w", ev.ShopDomain, err)
	}

	results := d.fanOut(ctx, []domain.Event{ev}, cfg)
	d.record(ev, results)
	d.dispatched.Add(1)

	for _, r := range results {
		logEvt := d.log.Debug()
		if r.err != nil {
			logEvt = d.log.Warn().Err(r.err)
		}
		logEvt.
			Str("task_id", t.ID).
			Str("event_id", ev.ID).
			Str("shop", ev.ShopDomain).
			Str("destination", r.destination).
			Int("attempts", t.Attempts).
			Msg("event dispatched")
	}
	return nil
}

type sendResult struct {
	destination string
	err         error
}

// fanOut sends to every configured adapter concurrently and waits for all
// of them. One adapter failing never cancels another.
func (d *Dispatcher) fanOut(ctx context.Context, events []domain.Event, cfg domain.ShopConfig) []sendResult {
	var targets []destination.Adapter
	for _, a := range d.adapters {
		if a.Configured(cfg) {
			targets = append(targets, a)
		}
	}
	results := make([]sendResult, len(targets))

	var wg sync.WaitGroup
	for i, a := range targets {
		wg.Add(1)
		go func(i int, a destination.Adapter) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = sendResult{destination: a.Name(), err: fmt.Errorf("%s send panicked: %v", a.Name(), r)}
				}
			}()
			results[i] = sendResult{destination: a.Name(), err: a.Send(ctx, events, cfg)}
		}(i, a)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) record(ev domain.Event, results []sendResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.stats.Get(ev.ShopDomain)
	if !ok {
		fresh := domain.NewDeliveryStats()
		st = &fresh
		d.stats.Add(ev.ShopDomain, st)
	}
	st.Total++
	st.ByType[ev.Type]++
	for _, r := range results {
		ds := st.Destinations[r.destination]
		if r.err != nil {
			ds.Failed++
			st.Failed++
		} else {
			ds.Sent++
			st.Successful++
		}
		st.Destinations[r.destination] = ds
	}
}

func (d *Dispatcher) deadLetter(t queue.Task[domain.Event], lastErr error) {
	d.deadLettered.Add(1)
	ev := t.Payload
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = nil
	}
	entry := deadletter.Entry{
		TaskID:    t.ID,
		EventID:   ev.ID,
		Shop:      ev.ShopDomain,
		EventType: ev.Type,
		Attempts:  t.Attempts,
		Payload:   payload,
		FailedAt:  time.Now().UTC(),
	}
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}

	d.log.Error().Err(lastErr).
		Str("task_id", t.ID).
		Str("event_id", ev.ID).
		Str("shop", ev.ShopDomain).
		Int("attempts", t.Attempts).
		Msg("event exhausted retries")

	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	if err := d.sink.Record(ctx, entry); err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Str("event_id", ev.ID).Msg("failed to record dead letter")
	}
}

// Stats returns a copy of the shop's delivery stats. Shops with no
// recorded events get zeroed stats.
func (d *Dispatcher) Stats(shop string) domain.DeliveryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.stats.Peek(shop); ok {
		return st.Clone()
	}
	return domain.NewDeliveryStats()
}

func (d *Dispatcher) QueueStats() domain.QueueStats { return d.queue.Stats() }

func (d *Dispatcher) Counters() Counters {
	return Counters{
		Enqueued:     d.enqueued.Load(),
		Dispatched:   d.dispatched.Load(),
		DeadLettered: d.deadLettered.Load(),
	}
}

// ConnectionStatus reports each destination as connected when the shop's
// config enables it with credentials present. It does not probe.
func (d *Dispatcher) ConnectionStatus(ctx context.Context, shop string) (domain.ConnectionStatus, error) {
	cfg, err := d.configs.GetConfig(ctx, shop)
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	return domain.ConnectionStatus{
		Segment: connectionState(cfg.Segment.Enabled && cfg.Segment.WriteKey != "", cfg.Segment.SyncState),
		Facebook: connectionState(cfg.Facebook.Enabled && cfg.Facebook.AccessToken != "" && cfg.Facebook.PixelID != "",
			cfg.Facebook.SyncState),
		Browserless: connectionState(cfg.RelayConfigured(), cfg.Browserless.SyncState),
	}, nil
}

func connectionState(connected bool, s domain.SyncState) domain.ConnectionState {
	cs := domain.ConnectionState{Connected: connected, Error: s.LastError}
	if !s.LastSync.IsZero() {
		at := s.LastSync
		cs.LastSync = &at
	}
	return cs
}

// SendTestEvent sends a synthetic event straight through the fan-out,
// bypassing the queue. Failures are returned, joined, and stats are left
// untouched.
func (d *Dispatcher) SendTestEvent(ctx context.Context, shop string, t domain.EventType, props map[string]any) (TestResult, error) {
	if !t.Valid() {
		return TestResult{}, fmt.Errorf("%w: %q", domain.ErrUnknownEventType, t)
	}
	cfg, err := d.configs.GetDecryptedConfig(ctx, shop)
	if err != nil {
		return TestResult{}, fmt.Errorf("resolve config for %s: %w", shop, err)
	}

	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged["test"] = true
	ev := domain.NewEvent(t, shop, domain.WithProperties(merged))
	ev.ID = "test-" + uuid.NewString()

	results := d.fanOut(ctx, []domain.Event{ev}, cfg)
	res := TestResult{EventID: ev.ID, Destinations: make([]string, 0, len(results))}
	if len(results) == 0 {
		return res, fmt.Errorf("%s: %w", shop, ErrNoDestinations)
	}

	var errs []error
	for _, r := range results {
		res.Destinations = append(res.Destinations, r.destination)
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	err = errors.Join(errs...)
	res.Success = err == nil

	d.log.Info().Err(err).
		Str("shop", shop).
		Str("event_id", ev.ID).
		Strs("destinations", res.Destinations).
		Msg("test event sent")
	return res, err
}
