package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventrelay/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS shop_configs (
  shop TEXT PRIMARY KEY,
  segment_enabled INTEGER NOT NULL DEFAULT 0,
  segment_write_key TEXT NOT NULL DEFAULT '',
  segment_last_sync INTEGER,
  segment_last_error TEXT NOT NULL DEFAULT '',
  facebook_enabled INTEGER NOT NULL DEFAULT 0,
  facebook_access_token TEXT NOT NULL DEFAULT '',
  facebook_pixel_id TEXT NOT NULL DEFAULT '',
  facebook_last_sync INTEGER,
  facebook_last_error TEXT NOT NULL DEFAULT '',
  browserless_enabled INTEGER NOT NULL DEFAULT 0,
  browserless_token TEXT NOT NULL DEFAULT '',
  browserless_url TEXT NOT NULL DEFAULT '',
  browserless_last_sync INTEGER,
  browserless_last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS dead_letters (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  shop TEXT NOT NULL,
  event_type TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  payload BLOB NOT NULL,
  failed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at DESC);
CREATE INDEX IF NOT EXISTS idx_dead_letters_shop ON dead_letters(shop, failed_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// ConfigRepository persists per-shop destination settings. Secrets are
// stored exactly as given, so callers encrypt before saving.
type ConfigRepository interface {
	GetConfig(ctx context.Context, shop string) (domain.ShopConfig, error)
	SaveConfig(ctx context.Context, cfg domain.ShopConfig) error
	RecordSync(ctx context.Context, shop, destination string, at time.Time, lastError string) error
	ListShops(ctx context.Context) ([]string, error)
}

type DeadLetterRepository interface {
	InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) (string, error)
	ListDeadLetters(ctx context.Context, shop string, limit int) ([]domain.DeadLetter, error)
}

type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

const configColumns = `shop,
segment_enabled,segment_write_key,segment_last_sync,segment_last_error,
facebook_enabled,facebook_access_token,facebook_pixel_id,facebook_last_sync,facebook_last_error,
browserless_enabled,browserless_token,browserless_url,browserless_last_sync,browserless_last_error`

func (r *SQLiteRepo) GetConfig(ctx context.Context, shop string) (domain.ShopConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM shop_configs WHERE shop=?`, shop)
	var (
		c                       domain.ShopConfig
		segSync, fbSync, blSync sql.NullInt64
	)
	err := row.Scan(&c.Shop,
		&c.Segment.Enabled, &c.Segment.WriteKey, &segSync, &c.Segment.LastError,
		&c.Facebook.Enabled, &c.Facebook.AccessToken, &c.Facebook.PixelID, &fbSync, &c.Facebook.LastError,
		&c.Browserless.Enabled, &c.Browserless.Token, &c.Browserless.URL, &blSync, &c.Browserless.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ShopConfig{}, fmt.Errorf("shop config %s: %w", shop, ErrNotFound)
	}
	if err != nil {
		return domain.ShopConfig{}, err
	}
	c.Segment.LastSync = fromMillis(segSync)
	c.Facebook.LastSync = fromMillis(fbSync)
	c.Browserless.LastSync = fromMillis(blSync)
	return c, nil
}

// SaveConfig upserts the settings columns. Sync state is owned by
// RecordSync and left untouched.
func (r *SQLiteRepo) SaveConfig(ctx context.Context, c domain.ShopConfig) error {
	if c.Shop == "" {
		return fmt.Errorf("%w: shop is required", domain.ErrConfiguration)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO shop_configs (shop,segment_enabled,segment_write_key,facebook_enabled,facebook_access_token,facebook_pixel_id,browserless_enabled,browserless_token,browserless_url)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(shop) DO UPDATE SET
  segment_enabled=excluded.segment_enabled,
  segment_write_key=excluded.segment_write_key,
  facebook_enabled=excluded.facebook_enabled,
  facebook_access_token=excluded.facebook_access_token,
  facebook_pixel_id=excluded.facebook_pixel_id,
  browserless_enabled=excluded.browserless_enabled,
  browserless_token=excluded.browserless_token,
  browserless_url=excluded.browserless_url,
  updated_at=CURRENT_TIMESTAMP
`, c.Shop,
		c.Segment.Enabled, c.Segment.WriteKey,
		c.Facebook.Enabled, c.Facebook.AccessToken, c.Facebook.PixelID,
		c.Browserless.Enabled, c.Browserless.Token, c.Browserless.URL,
	)
	return err
}

var syncColumns = map[string][2]string{
	domain.DestinationSegment:     {"segment_last_sync", "segment_last_error"},
	domain.DestinationFacebook:    {"facebook_last_sync", "facebook_last_error"},
	domain.DestinationBrowserless: {"browserless_last_sync", "browserless_last_error"},
}

func (r *SQLiteRepo) RecordSync(ctx context.Context, shop, destination string, at time.Time, lastError string) error {
	cols, ok := syncColumns[destination]
	if !ok {
		return fmt.Errorf("%w: unknown destination %q", domain.ErrConfiguration, destination)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO shop_configs (shop,%[1]s,%[2]s) VALUES (?,?,?)
ON CONFLICT(shop) DO UPDATE SET %[1]s=excluded.%[1]s, %[2]s=excluded.%[2]s, updated_at=CURRENT_TIMESTAMP
`, cols[0], cols[1]), shop, at.UnixMilli(), lastError)
	return err
}

func (r *SQLiteRepo) ListShops(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT shop FROM shop_configs ORDER BY shop`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shops []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		shops = append(shops, s)
	}
	return shops, rows.Err()
}

func (r *SQLiteRepo) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) (string, error) {
	id := dl.ID
	if id == "" {
		id = "dlq_" + uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	payload := []byte(dl.Payload)
	if payload == nil {
		payload = []byte("null")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dead_letters (id,task_id,event_id,shop,event_type,attempts,last_error,payload,failed_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, dl.TaskID, dl.EventID, dl.Shop, string(dl.EventType), dl.Attempts, dl.LastError, payload, dl.FailedAt.UnixMilli())
	return id, err
}

// ListDeadLetters returns the newest entries first. An empty shop lists
// every shop.
func (r *SQLiteRepo) ListDeadLetters(ctx context.Context, shop string, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,event_id,shop,event_type,attempts,last_error,payload,failed_at
FROM dead_letters WHERE (? = '' OR shop = ?) ORDER BY failed_at DESC, id LIMIT ?`, shop, shop, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl       domain.DeadLetter
			et       string
			payload  []byte
			failedAt int64
		)
		if err := rows.Scan(&dl.ID, &dl.TaskID, &dl.EventID, &dl.Shop, &et, &dl.Attempts, &dl.LastError, &payload, &failedAt); err != nil {
			return nil, err
		}
		dl.EventType = domain.EventType(et)
		dl.Payload = payload
		dl.FailedAt = time.UnixMilli(failedAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
