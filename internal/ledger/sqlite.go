package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cardflow/internal/model"
)

// SQLite implements Ledger using modernc.org/sqlite.
type SQLite struct {
	db    *sql.DB
	locks *keyedMutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: writers queue in-process instead of failing with
	// SQLITE_BUSY on lock upgrades.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLite{db: db, locks: newKeyedMutex()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS day_counters (
	day INTEGER PRIMARY KEY,
	seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	identity   TEXT PRIMARY KEY,
	day        INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	state      TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS asset_history (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL REFERENCES assets(identity),
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_entries (
	identity     TEXT PRIMARY KEY REFERENCES assets(identity),
	kind         TEXT NOT NULL,
	amount       TEXT NOT NULL,
	enqueued_at  TEXT NOT NULL,
	batch_id     TEXT NOT NULL DEFAULT '',
	flushed_at   TEXT,
	external_ref TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS price_cache (
	key        TEXT PRIMARY KEY,
	price      TEXT,
	fetched_at TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assets_state ON assets(state);
CREATE INDEX IF NOT EXISTS idx_assets_day_seq ON assets(day, seq);
CREATE INDEX IF NOT EXISTS idx_asset_history_identity ON asset_history(identity);
CREATE INDEX IF NOT EXISTS idx_batch_entries_kind ON batch_entries(kind, flushed_at);
`

// Migrate creates the ledger tables.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// NextSeq increments and returns the counter for day. The first call for a
// day returns 0.
func (s *SQLite) NextSeq(ctx context.Context, day int) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO day_counters (day, seq) VALUES (?, 0)
		 ON CONFLICT(day) DO UPDATE SET seq = day_counters.seq + 1
		 RETURNING seq`,
		day,
	).Scan(&seq)
	if err != nil {
		return 0, persistence(eris.Wrapf(err, "sqlite: next seq for day %d", day))
	}
	return seq, nil
}

// Register inserts a new asset. The day counter is advanced past its
// sequence so the identity is never handed out again.
func (s *SQLite) Register(ctx context.Context, asset *model.CardAsset) error {
	if err := asset.Validate(); err != nil {
		return model.Invalid("ledger: rejected asset", err)
	}
	data, err := json.Marshal(asset)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal asset")
	}

	unlock := s.locks.Lock(asset.Identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence(eris.Wrap(err, "sqlite: begin"))
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO assets (identity, day, seq, state, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(identity) DO NOTHING`,
		asset.Identity, asset.Day, asset.Seq, string(asset.State), string(data),
		formatTime(asset.CreatedAt), formatTime(asset.UpdatedAt),
	)
	if err != nil {
		return persistence(eris.Wrapf(err, "sqlite: insert asset %s", asset.Identity))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrExists, "sqlite: register %s", asset.Identity)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO day_counters (day, seq) VALUES (?, ?)
		 ON CONFLICT(day) DO UPDATE SET seq = MAX(day_counters.seq, excluded.seq)`,
		asset.Day, asset.Seq,
	); err != nil {
		return persistence(eris.Wrapf(err, "sqlite: advance counter for %s", asset.Identity))
	}
	if err := insertHistorySQLite(ctx, tx, asset.Identity, asset.History); err != nil {
		return err
	}
	return persistence(eris.Wrap(tx.Commit(), "sqlite: commit register"))
}

// Get loads one asset.
func (s *SQLite) Get(ctx context.Context, identity string) (*model.CardAsset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM assets WHERE identity = ?`, identity)
	return scanAsset(row, identity)
}

// List returns assets in identity order.
func (s *SQLite) List(ctx context.Context, filter AssetFilter) ([]*model.CardAsset, error) {
	query := `SELECT data FROM assets WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY day, seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence(eris.Wrap(err, "sqlite: list assets"))
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.CardAsset
	for rows.Next() {
		a, err := scanAsset(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, persistence(eris.Wrap(rows.Err(), "sqlite: list assets iterate"))
}

// Update applies fn to the asset under the per-identity lock and a
// transaction. Routing an asset enqueues its batch entry atomically.
func (s *SQLite) Update(ctx context.Context, identity string, fn Mutator) (*model.CardAsset, error) {
	return s.update(ctx, identity, fn, nil)
}

// MarkFlushed records a delivered batch entry and advances the asset to
// listed or submitted.
func (s *SQLite) MarkFlushed(ctx context.Context, identity, batchID, externalRef string, at time.Time) (*model.CardAsset, error) {
	return s.update(ctx, identity, flushMutator(externalRef, at), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_entries SET batch_id = ?, flushed_at = ?, external_ref = ?
			 WHERE identity = ? AND flushed_at IS NULL`,
			batchID, formatTime(at), externalRef, identity,
		)
		if err != nil {
			return persistence(eris.Wrapf(err, "sqlite: mark flushed %s", identity))
		}
		return checkRowsAffected(res, "pending batch entry", identity)
	})
}

func (s *SQLite) update(ctx context.Context, identity string, fn Mutator, after func(tx *sql.Tx) error) (*model.CardAsset, error) {
	unlock := s.locks.Lock(identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence(eris.Wrap(err, "sqlite: begin"))
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := scanAsset(tx.QueryRowContext(ctx, `SELECT data FROM assets WHERE identity = ?`, identity), identity)
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
		return nil, eris.Wrap(err, "sqlite: marshal asset")
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE assets SET state = ?, data = ?, updated_at = ? WHERE identity = ?`,
		string(next.State), string(data), formatTime(next.UpdatedAt), identity,
	)
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "sqlite: update asset %s", identity))
	}
	if err := checkRowsAffected(res, "asset", identity); err != nil {
		return nil, err
	}
	if err := insertHistorySQLite(ctx, tx, identity, appended(cur, next)); err != nil {
		return nil, err
	}
	if entry != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batch_entries (identity, kind, amount, enqueued_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (identity) DO UPDATE SET kind = excluded.kind, amount = excluded.amount,
			 enqueued_at = excluded.enqueued_at, batch_id = '', flushed_at = NULL, external_ref = ''`,
			entry.Identity, string(entry.Kind), entry.Amount.StringFixed(2), formatTime(entry.EnqueuedAt),
		); err != nil {
			return nil, persistence(eris.Wrapf(err, "sqlite: enqueue %s", identity))
		}
	}
	if after != nil {
		if err := after(tx); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, persistence(eris.Wrapf(err, "sqlite: commit update %s", identity))
	}
	return next, nil
}

// History reads the append-only transition log for an asset.
func (s *SQLite) History(ctx context.Context, identity string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_state, to_state, reason, at FROM asset_history
		 WHERE identity = ? ORDER BY rowid`,
		identity,
	)
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "sqlite: history %s", identity))
	}
	defer rows.Close() //nolint:errcheck

	var out []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		var from, to, at string
		if err := rows.Scan(&h.ID, &from, &to, &h.Reason, &at); err != nil {
			return nil, persistence(eris.Wrap(err, "sqlite: scan history"))
		}
		h.From, h.To = model.State(from), model.State(to)
		if h.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, persistence(eris.Wrap(rows.Err(), "sqlite: history iterate"))
}

// Counts returns the number of assets per state.
func (s *SQLite) Counts(ctx context.Context) (map[model.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM assets GROUP BY state`)
	if err != nil {
		return nil, persistence(eris.Wrap(err, "sqlite: count states"))
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, persistence(eris.Wrap(err, "sqlite: scan count"))
		}
		counts[model.State(state)] = n
	}
	return counts, persistence(eris.Wrap(rows.Err(), "sqlite: count iterate"))
}

// ListBatch returns the entries of one outbound batch in enqueue order.
func (s *SQLite) ListBatch(ctx context.Context, kind model.BatchKind, pendingOnly bool) ([]model.BatchEntry, error) {
	query := `SELECT identity, kind, amount, enqueued_at, batch_id, flushed_at, external_ref
		FROM batch_entries WHERE kind = ?`
	if pendingOnly {
		query += ` AND flushed_at IS NULL`
	}
	query += ` ORDER BY enqueued_at, identity`

	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "sqlite: list %s batch", kind))
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BatchEntry
	for rows.Next() {
		var e model.BatchEntry
		var k, amount, enqueued string
		var flushed sql.NullString
		if err := rows.Scan(&e.Identity, &k, &amount, &enqueued, &e.BatchID, &flushed, &e.ExternalRef); err != nil {
			return nil, persistence(eris.Wrap(err, "sqlite: scan batch entry"))
		}
		e.Kind = model.BatchKind(k)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse amount %q", amount)
		}
		if e.EnqueuedAt, err = parseTime(enqueued); err != nil {
			return nil, err
		}
		if flushed.Valid {
			t, err := parseTime(flushed.String)
			if err != nil {
				return nil, err
			}
			e.FlushedAt = &t
		}
		out = append(out, e)
	}
	return out, persistence(eris.Wrap(rows.Err(), "sqlite: list batch iterate"))
}

// GetPrice returns an unexpired cached quote, or nil.
func (s *SQLite) GetPrice(ctx context.Context, key string, now time.Time) (*model.PriceQuote, error) {
	var price sql.NullString
	var fetched string
	err := s.db.QueryRowContext(ctx,
		`SELECT price, fetched_at FROM price_cache WHERE key = ? AND expires_at > ?`,
		key, now.UTC().UnixNano(),
	).Scan(&price, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistence(eris.Wrapf(err, "sqlite: get price %s", key))
	}

	q := &model.PriceQuote{Key: key}
	if q.FetchedAt, err = parseTime(fetched); err != nil {
		return nil, err
	}
	if price.Valid {
		d, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse cached price %q", price.String)
		}
		q.Price = &d
	}
	return q, nil
}

// PutPrice upserts a quote that expires after ttl.
func (s *SQLite) PutPrice(ctx context.Context, quote model.PriceQuote, ttl time.Duration) error {
	var price sql.NullString
	if quote.Price != nil {
		price = sql.NullString{String: quote.Price.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_cache (key, price, fetched_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET price = excluded.price,
		   fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		quote.Key, price, formatTime(quote.FetchedAt), quote.FetchedAt.Add(ttl).UTC().UnixNano(),
	)
	return persistence(eris.Wrapf(err, "sqlite: put price %s", quote.Key))
}

// helpers

func insertHistorySQLite(ctx context.Context, tx *sql.Tx, identity string, entries []model.HistoryEntry) error {
	for _, h := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO asset_history (id, identity, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
			h.ID, identity, string(h.From), string(h.To), h.Reason, formatTime(h.At),
		); err != nil {
			return persistence(eris.Wrapf(err, "sqlite: insert history %s", identity))
		}
	}
	return nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistence(eris.Wrap(err, "rows affected"))
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAsset(row scannable, identity string) (*model.CardAsset, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get %s", identity)
	}
	if err != nil {
		return nil, persistence(eris.Wrap(err, "sqlite: scan asset"))
	}
	var a model.CardAsset
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, persistence(eris.Wrap(err, "sqlite: unmarshal asset"))
	}
	return &a, nil
}
