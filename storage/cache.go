// SPDX-License-Identifier: ice License 1.0

package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ice-blockchain/ion-connect-client/model"
)

type (
	// Cache is a local sqlite mirror of events seen from relays, so that
	// latest-version lookups survive restarts and work offline.
	Cache struct {
		db *dbClient
	}

	dbClient struct {
		*sqlx.DB

		stmtCacheMx *sync.RWMutex
		stmtCache   map[string]*sqlx.NamedStmt
	}

	eventRow struct {
		ID        string          `db:"id"`
		PubKey    string          `db:"pubkey"`
		CreatedAt model.Timestamp `db:"created_at"`
		Kind      model.Kind      `db:"kind"`
		DTag      string          `db:"d_tag"`
		Payload   string          `db:"payload"`
	}
)

//go:embed DDL.sql
var ddl string

// MustOpen opens (and, if needed, initializes) the cache at the given
// sqlite target. Panics on failure, use it at process startup.
func MustOpen(target string) *Cache {
	db := &dbClient{
		DB:          sqlx.MustConnect("sqlite3", target),
		stmtCacheMx: new(sync.RWMutex),
		stmtCache:   make(map[string]*sqlx.NamedStmt),
	}
	if strings.Contains(target, ":memory:") {
		// A memory database exists per connection.
		db.SetMaxOpenConns(1)
	}
	for _, statement := range strings.Split(ddl, "--------") {
		db.MustExec(statement)
	}

	return &Cache{db: db}
}

func (c *Cache) Close() error {
	return errors.Wrap(c.db.Close(), "failed to close event cache")
}

// SaveEvent upserts one event by id.
func (c *Cache) SaveEvent(ctx context.Context, event *model.Event) error {
	payload, err := event.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize event %v", event.ID)
	}
	sqlQuery := `INSERT INTO events (id, pubkey, created_at, kind, d_tag, payload)
VALUES (:id, :pubkey, :created_at, :kind, :d_tag, :payload)
ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`
	_, err = c.db.exec(ctx, sqlQuery, &eventRow{
		ID:        event.ID,
		PubKey:    event.PubKey,
		CreatedAt: event.CreatedAt,
		Kind:      event.Kind,
		DTag:      event.DTag(),
		Payload:   string(payload),
	})

	return errors.Wrapf(err, "failed to save event %v", event.ID)
}

// GetEvent returns the event by id, or nil when it is not cached.
func (c *Cache) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var payload string
	err := c.db.GetContext(ctx, &payload, `SELECT payload FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load event %v", id)
	}

	return decodeEvent(payload)
}

// LatestReplaceable returns the freshest cached event for (pubkey, kind),
// ties broken by the smallest id, or nil when nothing is cached.
func (c *Cache) LatestReplaceable(ctx context.Context, key model.ReplaceableKey) (*model.Event, error) {
	var payload string
	err := c.db.GetContext(ctx, &payload,
		`SELECT payload FROM events WHERE pubkey = ? AND kind = ? ORDER BY created_at DESC, id ASC LIMIT 1`,
		key.PubKey, key.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load latest event for %v/%v", key.PubKey, key.Kind)
	}

	return decodeEvent(payload)
}

// LatestAddressable is LatestReplaceable over (pubkey, kind, d-tag).
func (c *Cache) LatestAddressable(ctx context.Context, key model.AddressableKey) (*model.Event, error) {
	var payload string
	err := c.db.GetContext(ctx, &payload,
		`SELECT payload FROM events WHERE pubkey = ? AND kind = ? AND d_tag = ? ORDER BY created_at DESC, id ASC LIMIT 1`,
		key.PubKey, key.Kind, key.DTag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load latest event for %v/%v/%v", key.PubKey, key.Kind, key.DTag)
	}

	return decodeEvent(payload)
}

// SelectEvents returns cached events matching the filter, newest first.
// The indexed columns narrow the scan, tag and search constraints are
// applied on the decoded events.
func (c *Cache) SelectEvents(ctx context.Context, filter *model.Filter) ([]*model.Event, error) {
	sqlQuery := `SELECT payload FROM events WHERE 1=1`
	args := make([]any, 0, 8)
	if len(filter.IDs) > 0 {
		sqlQuery += ` AND id IN (?)`
		args = append(args, filter.IDs)
	}
	if len(filter.Authors) > 0 {
		sqlQuery += ` AND pubkey IN (?)`
		args = append(args, filter.Authors)
	}
	if len(filter.Kinds) > 0 {
		sqlQuery += ` AND kind IN (?)`
		args = append(args, filter.Kinds)
	}
	if filter.Since != nil {
		sqlQuery += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		sqlQuery += ` AND created_at <= ?`
		args = append(args, *filter.Until)
	}
	sqlQuery += ` ORDER BY created_at DESC, id ASC`

	expanded, expandedArgs, err := sqlx.In(sqlQuery, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to expand query: `%v`", sqlQuery)
	}
	var payloads []string
	if err = c.db.SelectContext(ctx, &payloads, c.db.Rebind(expanded), expandedArgs...); err != nil {
		return nil, errors.Wrapf(err, "failed to select events: `%v`", expanded)
	}

	events := make([]*model.Event, 0, len(payloads))
	for _, payload := range payloads {
		event, dErr := decodeEvent(payload)
		if dErr != nil {
			return nil, dErr
		}
		if !filter.Matches(event) {
			continue
		}
		events = append(events, event)
		if filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}

	return events, nil
}

// DeleteOlderThan prunes events created before the cutoff and returns how
// many rows went away.
func (c *Cache) DeleteOlderThan(ctx context.Context, cutoff model.Timestamp) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prune events older than %v", cutoff)
	}
	rowsAffected, err := result.RowsAffected()

	return rowsAffected, errors.Wrap(err, "failed to process rows affected for prune")
}

func decodeEvent(payload string) (*model.Event, error) {
	event := new(model.Event)
	if err := event.UnmarshalJSON([]byte(payload)); err != nil {
		return nil, errors.Wrap(err, "cached event payload is corrupted")
	}

	return event, nil
}

func (db *dbClient) exec(ctx context.Context, sqlQuery string, arg any) (rowsAffected int64, err error) {
	stmt, err := db.prepare(ctx, sqlQuery)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prepare exec sql: `%v`", sqlQuery)
	}
	result, err := stmt.ExecContext(ctx, arg)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to exec prepared sql: `%v`", sqlQuery)
	}
	if rowsAffected, err = result.RowsAffected(); err != nil {
		return 0, errors.Wrapf(err, "failed to process rows affected for exec prepared sql: `%v`", sqlQuery)
	}

	return rowsAffected, nil
}

func (db *dbClient) prepare(ctx context.Context, sqlQuery string) (stmt *sqlx.NamedStmt, err error) {
	hash := hashSQL(sqlQuery)
	db.stmtCacheMx.RLock()
	stmt, found := db.stmtCache[hash]
	db.stmtCacheMx.RUnlock()
	if found {
		return stmt, nil
	}

	db.stmtCacheMx.Lock()
	defer db.stmtCacheMx.Unlock()
	stmt, found = db.stmtCache[hash]
	if found {
		return stmt, nil
	}
	stmt, err = db.PrepareNamedContext(ctx, sqlQuery)
	if err == nil {
		db.stmtCache[hash] = stmt
	}

	return stmt, err
}

func hashSQL(sqlQuery string) string {
	sum := sha256.Sum256([]byte(sqlQuery))

	return string(sum[:])
}
