package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/cardflow/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger uses.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres implements Ledger using pgxpool.
type Postgres struct {
	pool  Pool
	locks *keyedMutex
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a Postgres ledger with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*Postgres, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool), nil
}

func newPostgresWithPool(pool Pool) *Postgres {
	return &Postgres{pool: pool, locks: newKeyedMutex()}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS day_counters (
	day INTEGER PRIMARY KEY,
	seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	identity   TEXT PRIMARY KEY,
	day        INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	state      TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS asset_history (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL REFERENCES assets(identity),
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMPTZ NOT NULL,
	seq        BIGSERIAL
);
ALTER TABLE asset_history ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

CREATE TABLE IF NOT EXISTS batch_entries (
	identity     TEXT PRIMARY KEY REFERENCES assets(identity),
	kind         TEXT NOT NULL,
	amount       TEXT NOT NULL,
	enqueued_at  TIMESTAMPTZ NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	flushed_at   TIMESTAMPTZ,
	external_ref TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS price_cache (
	key        TEXT PRIMARY KEY,
	price      TEXT,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assets_state ON assets(state);
CREATE INDEX IF NOT EXISTS idx_assets_day_seq ON assets(day, seq);
CREATE INDEX IF NOT EXISTS idx_asset_history_identity ON asset_history(identity);
CREATE INDEX IF NOT EXISTS idx_batch_entries_kind ON batch_entries(kind, flushed_at);
`

// Migrate creates the ledger tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// NextSeq increments and returns the counter for day. The first call for a
// day returns 0.
func (s *Postgres) NextSeq(ctx context.Context, day int) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO day_counters (day, seq) VALUES ($1, 0)
		 ON CONFLICT (day) DO UPDATE SET seq = day_counters.seq + 1
		 RETURNING seq`,
		day,
	).Scan(&seq)
	if err != nil {
		return 0, persistence(eris.Wrapf(err, "postgres: next seq for day %d", day))
	}
	return seq, nil
}

// Register inserts a new asset and advances the day counter past it.
func (s *Postgres) Register(ctx context.Context, asset *model.CardAsset) error {
	if err := asset.Validate(); err != nil {
		return model.Invalid("ledger: rejected asset", err)
	}
	data, err := json.Marshal(asset)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal asset")
	}

	unlock := s.locks.Lock(asset.Identity)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return persistence(eris.Wrap(err, "postgres: begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO assets (identity, day, seq, state, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (identity) DO NOTHING`,
		asset.Identity, asset.Day, asset.Seq, string(asset.State), data, asset.CreatedAt, asset.UpdatedAt,
	)
	if err != nil {
		return persistence(eris.Wrapf(err, "postgres: insert asset %s", asset.Identity))
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrExists, "postgres: register %s", asset.Identity)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO day_counters (day, seq) VALUES ($1, $2)
		 ON CONFLICT (day) DO UPDATE SET seq = GREATEST(day_counters.seq, EXCLUDED.seq)`,
		asset.Day, asset.Seq,
	); err != nil {
		return persistence(eris.Wrapf(err, "postgres: advance counter for %s", asset.Identity))
	}
	if err := insertHistoryPostgres(ctx, tx, asset.Identity, asset.History); err != nil {
		return err
	}
	return persistence(eris.Wrap(tx.Commit(ctx), "postgres: commit register"))
}

// Get loads one asset.
func (s *Postgres) Get(ctx context.Context, identity string) (*model.CardAsset, error) {
	row := s.pool.QueryRow(ctx, `SELECT data FROM assets WHERE identity = $1`, identity)
	return scanAssetPostgres(row, identity)
}

// List returns assets in identity order.
func (s *Postgres) List(ctx context.Context, filter AssetFilter) ([]*model.CardAsset, error) {
	query := `SELECT data FROM assets WHERE true`
	args := []any{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	query += ` ORDER BY day, seq`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
		if filter.Offset > 0 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence(eris.Wrap(err, "postgres: list assets"))
	}
	defer rows.Close()

	var out []*model.CardAsset
	for rows.Next() {
		a, err := scanAssetPostgres(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, persistence(eris.Wrap(rows.Err(), "postgres: list assets iterate"))
}

// Update applies fn under the per-identity lock and a row lock.
func (s *Postgres) Update(ctx context.Context, identity string, fn Mutator) (*model.CardAsset, error) {
	return s.update(ctx, identity, fn, nil)
}

// MarkFlushed records a delivered batch entry and advances the asset.
func (s *Postgres) MarkFlushed(ctx context.Context, identity, batchID, externalRef string, at time.Time) (*model.CardAsset, error) {
	return s.update(ctx, identity, flushMutator(externalRef, at), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE batch_entries SET batch_id = $1, flushed_at = $2, external_ref = $3
			 WHERE identity = $4 AND flushed_at IS NULL`,
			batchID, at.UTC(), externalRef, identity,
		)
		if err != nil {
			return persistence(eris.Wrapf(err, "postgres: mark flushed %s", identity))
		}
		if tag.RowsAffected() == 0 {
			return eris.Errorf("pending batch entry not found: %s", identity)
		}
		return nil
	})
}

func (s *Postgres) update(ctx context.Context, identity string, fn Mutator, after func(tx pgx.Tx) error) (*model.CardAsset, error) {
	unlock := s.locks.Lock(identity)
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, persistence(eris.Wrap(err, "postgres: begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := scanAssetPostgres(tx.QueryRow(ctx,
		`SELECT data FROM assets WHERE identity = $1 FOR UPDATE`, identity), identity)
	if err != nil {
		return nil, err
	}
	next, err := mutate(cur, fn)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	entry, err := routedEntry(cur, next)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal asset")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE assets SET state = $1, data = $2, updated_at = $3 WHERE identity = $4`,
		string(next.State), data, next.UpdatedAt, identity,
	)
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "postgres: update asset %s", identity))
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrNotFound, "postgres: update %s", identity)
	}
	if err := insertHistoryPostgres(ctx, tx, identity, appended(cur, next)); err != nil {
		return nil, err
	}
	if entry != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO batch_entries (identity, kind, amount, enqueued_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (identity) DO UPDATE SET kind = excluded.kind, amount = excluded.amount,
			 enqueued_at = excluded.enqueued_at, batch_id = '', flushed_at = NULL, external_ref = ''`,
			entry.Identity, string(entry.Kind), entry.Amount.StringFixed(2), entry.EnqueuedAt,
		); err != nil {
			return nil, persistence(eris.Wrapf(err, "postgres: enqueue %s", identity))
		}
	}
	if after != nil {
		if err := after(tx); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, persistence(eris.Wrapf(err, "postgres: commit update %s", identity))
	}
	return next, nil
}

// History reads the append-only transition log for an asset.
func (s *Postgres) History(ctx context.Context, identity string) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, from_state, to_state, reason, at FROM asset_history
		 WHERE identity = $1 ORDER BY seq`,
		identity,
	)
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "postgres: history %s", identity))
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var from, to string
		if err := rows.Scan(&h.ID, &from, &to, &h.Reason, &h.At); err != nil {
			return nil, persistence(eris.Wrap(err, "postgres: scan history"))
		}
		h.From, h.To = model.State(from), model.State(to)
		out = append(out, h)
	}
	return out, persistence(eris.Wrap(rows.Err(), "postgres: history iterate"))
}

// Counts returns the number of assets per state.
func (s *Postgres) Counts(ctx context.Context) (map[model.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM assets GROUP BY state`)
	if err != nil {
		return nil, persistence(eris.Wrap(err, "postgres: count states"))
	}
	defer rows.Close()

	counts := make(map[model.State]int)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, persistence(eris.Wrap(err, "postgres: scan count"))
		}
		counts[model.State(state)] = int(n)
	}
	return counts, persistence(eris.Wrap(rows.Err(), "postgres: count iterate"))
}

// ListBatch returns the entries of one outbound batch in enqueue order.
func (s *Postgres) ListBatch(ctx context.Context, kind model.BatchKind, pendingOnly bool) ([]model.BatchEntry, error) {
	query := `SELECT identity, kind, amount, enqueued_at, batch_id, flushed_at, external_ref
		FROM batch_entries WHERE kind = $1`
	if pendingOnly {
		query += ` AND flushed_at IS NULL`
	}
	query += ` ORDER BY enqueued_at, identity`

	rows, err := s.pool.Query(ctx, query, string(kind))
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "postgres: list %s batch", kind))
	}
	defer rows.Close()

	var out []model.BatchEntry
	for rows.Next() {
		var e model.BatchEntry
		var k, amount string
		if err := rows.Scan(&e.Identity, &k, &amount, &e.EnqueuedAt, &e.BatchID, &e.FlushedAt, &e.ExternalRef); err != nil {
			return nil, persistence(eris.Wrap(err, "postgres: scan batch entry"))
		}
		e.Kind = model.BatchKind(k)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse amount %q", amount)
		}
		out = append(out, e)
	}
	return out, persistence(eris.Wrap(rows.Err(), "postgres: list batch iterate"))
}

// GetPrice returns an unexpired cached quote, or nil.
func (s *Postgres) GetPrice(ctx context.Context, key string, now time.Time) (*model.PriceQuote, error) {
	var price *string
	q := &model.PriceQuote{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT price, fetched_at FROM price_cache WHERE key = $1 AND expires_at > $2`,
		key, now.UTC(),
	).Scan(&price, &q.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "postgres: get price %s", key))
	}
	if price != nil {
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: parse cached price %q", *price)
		}
		q.Price = &d
	}
	return q, nil
}

// PutPrice upserts a quote that expires after ttl.
func (s *Postgres) PutPrice(ctx context.Context, quote model.PriceQuote, ttl time.Duration) error {
	var price *string
	if quote.Price != nil {
		p := quote.Price.String()
		price = &p
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_cache (key, price, fetched_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET price = EXCLUDED.price,
		   fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`,
		quote.Key, price, quote.FetchedAt.UTC(), quote.FetchedAt.Add(ttl).UTC(),
	)
	return persistence(eris.Wrapf(err, "postgres: put price %s", quote.Key))
}

func insertHistoryPostgres(ctx context.Context, tx pgx.Tx, identity string, entries []model.HistoryEntry) error {
	for _, h := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO asset_history (id, identity, from_state, to_state, reason, at) VALUES ($1, $2, $3, $4, $5, $6)`,
			h.ID, identity, string(h.From), string(h.To), h.Reason, h.At,
		); err != nil {
			return persistence(eris.Wrapf(err, "postgres: insert history %s", identity))
		}
	}
	return nil
}

func scanAssetPostgres(row pgx.Row, identity string) (*model.CardAsset, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get %s", identity)
	}
	if err != nil {
		return nil, persistence(eris.Wrap(err, "postgres: scan asset"))
	}
	var a model.CardAsset
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, persistence(eris.Wrap(err, "postgres: unmarshal asset"))
	}
	return &a, nil
}
