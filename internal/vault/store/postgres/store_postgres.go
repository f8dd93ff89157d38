package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"identity-vault/internal/vault/store"
	"identity-vault/pkg/platform/sentinel"
)

const columns = "id, uuid, primary_email, primary_username, sequence_number, profile"

const uniqueViolation = "23505"

// PostgresStore is a store.Adapter over one PostgreSQL table. Secondary
// indexes are b-tree indexes named like their DynamoDB counterparts.
type PostgresStore struct {
	db    *sql.DB
	table string
	ident string
}

var _ store.Adapter = (*PostgresStore)(nil)

// NewPostgres constructs a PostgreSQL-backed adapter for table.
func NewPostgres(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: table,
		ident: pgx.Identifier{table}.Sanitize(),
	}
}

func (s *PostgresStore) Table() string {
	return s.table
}

// EnsureSchema creates the table and its indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id               TEXT PRIMARY KEY,
			uuid             TEXT,
			primary_email    TEXT,
			primary_username TEXT,
			sequence_number  TEXT,
			profile          TEXT NOT NULL
		)`, s.ident)}
	for _, field := range store.IndexedFields {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pgx.Identifier{store.IndexName(s.table, field)}.Sanitize(), s.ident, field))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("ensure schema", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*store.Item, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.ident), key)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, classify("get item", err)
	}
	return &item, nil
}

func (s *PostgresStore) Put(ctx context.Context, item store.Item) error {
	if err := store.ValidateItem(item); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.upsertSQL(), itemArgs(item)...); err != nil {
		return classify("put item", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.ident), key); err != nil {
		return classify("delete item", err)
	}
	return nil
}

func (s *PostgresStore) QueryByIndex(ctx context.Context, field store.Field, value string) ([]store.Item, error) {
	if !field.Valid() {
		return nil, store.ErrValidation
	}
	if value == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY id`, columns, s.ident, field), value)
	if err != nil {
		return nil, classify("query "+string(field), err)
	}
	return collect(rows)
}

// Scan reads one extra row to decide whether another page exists.
func (s *PostgresStore) Scan(ctx context.Context, pageToken string, limit int) (store.Page, error) {
	after, err := store.DecodePageToken(pageToken)
	if err != nil {
		return store.Page{}, err
	}
	limit = store.PageSize(limit)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, columns, s.ident), after, limit+1)
	if err != nil {
		return store.Page{}, classify("scan", err)
	}
	items, err := collect(rows)
	if err != nil {
		return store.Page{}, err
	}
	page := store.Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextToken = store.EncodePageToken(items[limit-1].ID)
	}
	return page, nil
}

// Transact locks the touched rows, evaluates every guard, then applies the
// ops inside one SQL transaction. Concurrent inserts of a guarded key surface
// as unique violations and are reported as condition failures.
func (s *PostgresStore) Transact(ctx context.Context, ops []store.Op) error {
	if err := store.ValidateTransaction(ops); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = op.Key
	}
	existing, err := s.lockKeys(ctx, tx, keys)
	if err != nil {
		return err
	}
	if err := store.EvaluateConditions(ops, func(key string) bool { return existing[key] }); err != nil {
		return err
	}

	for i, op := range ops {
		affected, err := s.apply(ctx, tx, op)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return conditionFailure(ops, i)
			}
			return classify("transact "+op.Kind.String(), err)
		}
		if affected == 0 && op.Condition == store.ConditionExists {
			return conditionFailure(ops, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (s *PostgresStore) lockKeys(ctx context.Context, tx *sql.Tx, keys []string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1) FOR UPDATE`, s.ident), pq.Array(keys))
	if err != nil {
		return nil, classify("lock keys", err)
	}
	defer rows.Close()
	existing := make(map[string]bool, len(keys))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("lock keys", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, classify("lock keys", err)
	}
	return existing, nil
}

func (s *PostgresStore) apply(ctx context.Context, tx *sql.Tx, op store.Op) (int64, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case op.Kind == store.OpDelete:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.ident), op.Key)
	case op.Condition == store.ConditionNotExists:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6)`, s.ident, columns), itemArgs(op.Item)...)
	case op.Kind == store.OpUpdate && op.Condition == store.ConditionExists:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET uuid = $2, primary_email = $3, primary_username = $4, sequence_number = $5, profile = $6
			WHERE id = $1`, s.ident), itemArgs(op.Item)...)
	default:
		res, err = tx.ExecContext(ctx, s.upsertSQL(), itemArgs(op.Item)...)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) upsertSQL() string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			uuid = EXCLUDED.uuid,
			primary_email = EXCLUDED.primary_email,
			primary_username = EXCLUDED.primary_username,
			sequence_number = EXCLUDED.sequence_number,
			profile = EXCLUDED.profile`, s.ident, columns)
}

func conditionFailure(ops []store.Op, failed int) error {
	txErr := &store.TransactionError{}
	for i, op := range ops {
		reason := store.CancellationReason{Index: i, Key: op.Key, Code: store.ReasonNone}
		if i == failed {
			reason.Code = store.ReasonConditionalCheckFailed
			reason.Message = "the conditional request failed"
		}
		txErr.Reasons = append(txErr.Reasons, reason)
	}
	return txErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (store.Item, error) {
	var (
		item                          store.Item
		uuid, email, username, seqNum sql.NullString
	)
	if err := row.Scan(&item.ID, &uuid, &email, &username, &seqNum, &item.Profile); err != nil {
		return store.Item{}, err
	}
	item.UUID = uuid.String
	item.PrimaryEmail = email.String
	item.PrimaryUsername = username.String
	item.SequenceNumber = seqNum.String
	return item, nil
}

func collect(rows *sql.Rows) ([]store.Item, error) {
	defer rows.Close()
	var items []store.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, classify("read rows", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read rows", err)
	}
	return items, nil
}

// itemArgs stores empty index attributes as NULL so they stay out of lookups.
func itemArgs(item store.Item) []any {
	return []any{
		item.ID,
		nullString(item.UUID),
		nullString(item.PrimaryEmail),
		nullString(item.PrimaryUsername),
		nullString(item.SequenceNumber),
		item.Profile,
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return store.Unavailable(op, err)
		case strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%s: %w: %s", op, store.ErrValidation, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
