package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-ims/meridian/internal/platform/db"
)

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, lockTimeout: 5 * time.Second}
}

// WithLockTimeout bounds how long a transaction waits for a row lock
// before failing. Returns the repository for chaining.
func (r *Repository) WithLockTimeout(d time.Duration) *Repository {
	if d > 0 {
		r.lockTimeout = d
	}
	return r
}

// TxRepository exposes the transactional operations used by the service.
// ApplyDelta is the only writer of Balance.Quantity.
type TxRepository interface {
	GetBalance(ctx context.Context, productID, locationID int64) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, productID, locationID int64) (Balance, error)
	InsertBalance(ctx context.Context, productID, locationID int64) (Balance, error)
	ApplyDelta(ctx context.Context, productID, locationID, delta, expectedVersion int64) (Balance, error)
	InsertEvent(ctx context.Context, event Event) (Event, error)
}

type txRepository struct {
	tx pgx.Tx
}

const balanceColumns = `product_id, location_id, quantity, version, updated_at`

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if r.lockTimeout > 0 {
			ms := strconv.FormatInt(r.lockTimeout.Milliseconds(), 10)
			if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+ms+"ms'"); err != nil {
				return err
			}
		}
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

// GetBalance fetches a balance outside a transaction.
func (r *Repository) GetBalance(ctx context.Context, productID, locationID int64) (Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM stock_balances WHERE product_id = $1 AND location_id = $2`,
		productID, locationID))
}

// ListBalances returns balances matching the filter together with the total
// row count. When productIDs is non-nil the listing is restricted to those
// products (text search resolution happens in the query layer).
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter, productIDs []int64) ([]Balance, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if filter.LocationID != 0 {
		argCount++
		where += ` AND location_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.LocationID)
	}
	if filter.ProductID != 0 {
		argCount++
		where += ` AND product_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.ProductID)
	}
	if productIDs != nil {
		argCount++
		where += ` AND product_id = ANY($` + strconv.Itoa(argCount) + `)`
		args = append(args, productIDs)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_balances`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + balanceColumns + ` FROM stock_balances` + where + ` ORDER BY product_id, location_id`
	if filter.PerPage > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filter.PerPage)

		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filter.Page - 1) * filter.PerPage
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ProductID, &b.LocationID, &b.Quantity, &b.Version, &b.UpdatedAt); err != nil {
			return nil, 0, err
		}
		balances = append(balances, b)
	}
	return balances, total, rows.Err()
}

const eventColumns = `event_id, seq, event_type, product_id, location_id, delta, resulting_quantity,
	responsible_person, reference_number, notes, counterpart_event_id, reversal_of, created_at`

// ListEvents returns events matching the filter, newest first.
func (r *Repository) ListEvents(ctx context.Context, filter EventFilter) ([]Event, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	argCount := 0

	if filter.ProductID != 0 {
		argCount++
		where += ` AND product_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.ProductID)
	}
	if filter.LocationID != 0 {
		argCount++
		where += ` AND location_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.LocationID)
	}
	if filter.Reference != "" {
		argCount++
		where += ` AND reference_number = $` + strconv.Itoa(argCount)
		args = append(args, filter.Reference)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + eventColumns + ` FROM stock_events` + where + ` ORDER BY seq DESC`
	if filter.PerPage > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filter.PerPage)

		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filter.Page - 1) * filter.PerPage
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// GetEvent fetches a single event by id.
func (r *Repository) GetEvent(ctx context.Context, eventID string) (Event, error) {
	return scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM stock_events WHERE event_id = $1`, eventID))
}

// FindReversal returns the compensating event for eventID, if one exists.
func (r *Repository) FindReversal(ctx context.Context, eventID string) (Event, error) {
	return scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM stock_events WHERE reversal_of = $1 LIMIT 1`, eventID))
}

// ReplayBalance recomputes the quantity for a key by summing event deltas
// in creation order. Used by the consistency checker.
func (r *Repository) ReplayBalance(ctx context.Context, productID, locationID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM stock_events WHERE product_id = $1 AND location_id = $2`,
		productID, locationID).Scan(&sum)
	return sum, err
}

// ListBalanceKeys returns every (product, location) key with a balance row.
func (r *Repository) ListBalanceKeys(ctx context.Context) ([]BalanceKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT product_id, location_id FROM stock_balances ORDER BY product_id, location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []BalanceKey
	for rows.Next() {
		var k BalanceKey
		if err := rows.Scan(&k.ProductID, &k.LocationID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PruneZeroBalances removes zero-quantity rows untouched for the retention
// window. The event history for pruned keys is kept; a later CREATE is
// rejected only while a balance row exists, so pruning revives the key.
func (r *Repository) PruneZeroBalances(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM stock_balances WHERE quantity = 0 AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) GetBalance(ctx context.Context, productID, locationID int64) (Balance, error) {
	return scanBalance(r.tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM stock_balances WHERE product_id = $1 AND location_id = $2`,
		productID, locationID))
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, productID, locationID int64) (Balance, error) {
	return scanBalance(r.tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM stock_balances WHERE product_id = $1 AND location_id = $2 FOR UPDATE`,
		productID, locationID))
}

func (r *txRepository) InsertBalance(ctx context.Context, productID, locationID int64) (Balance, error) {
	b, err := scanBalance(r.tx.QueryRow(ctx,
		`INSERT INTO stock_balances (product_id, location_id, quantity, version, updated_at)
		 VALUES ($1, $2, 0, 1, NOW())
		 RETURNING `+balanceColumns,
		productID, locationID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Balance{}, ErrAlreadyExists
		}
		return Balance{}, err
	}
	return b, nil
}

// ApplyDelta performs the guarded balance write: the version predicate
// detects concurrent writers and the quantity predicate enforces
// non-negativity inside the same statement.
func (r *txRepository) ApplyDelta(ctx context.Context, productID, locationID, delta, expectedVersion int64) (Balance, error) {
	b, err := scanBalance(r.tx.QueryRow(ctx,
		`UPDATE stock_balances
		 SET quantity = quantity + $3, version = version + 1, updated_at = NOW()
		 WHERE product_id = $1 AND location_id = $2 AND version = $4 AND quantity + $3 >= 0
		 RETURNING `+balanceColumns,
		productID, locationID, delta, expectedVersion))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Balance{}, err
	}
	// The guarded update matched nothing; re-read to classify the failure.
	current, readErr := r.GetBalance(ctx, productID, locationID)
	if readErr != nil {
		return Balance{}, readErr
	}
	if current.Version != expectedVersion {
		return Balance{}, ErrConflict
	}
	return Balance{}, ErrInsufficientStock
}

func (r *txRepository) InsertEvent(ctx context.Context, event Event) (Event, error) {
	row := r.tx.QueryRow(ctx,
		`INSERT INTO stock_events (event_id, event_type, product_id, location_id, delta, resulting_quantity,
			responsible_person, reference_number, notes, counterpart_event_id, reversal_of, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12)
		 RETURNING `+eventColumns,
		event.ID, event.Type, event.ProductID, event.LocationID, event.Delta, event.ResultingQuantity,
		event.ResponsiblePerson, event.ReferenceNumber, event.Notes, event.CounterpartEventID,
		event.ReversalOf, event.CreatedAt)
	return scanEvent(row)
}

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	err := row.Scan(&b.ProductID, &b.LocationID, &b.Quantity, &b.Version, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row pgx.Row) (Event, error) {
	e, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, err
	}
	return e, nil
}

func scanEventRow(row rowScanner) (Event, error) {
	var e Event
	var counterpart, reversalOf *string
	err := row.Scan(&e.ID, &e.Seq, &e.Type, &e.ProductID, &e.LocationID, &e.Delta, &e.ResultingQuantity,
		&e.ResponsiblePerson, &e.ReferenceNumber, &e.Notes, &counterpart, &reversalOf, &e.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	if counterpart != nil {
		e.CounterpartEventID = *counterpart
	}
	if reversalOf != nil {
		e.ReversalOf = *reversalOf
	}
	return e, nil
}

// mapPgError folds PostgreSQL error codes into the ledger taxonomy.
// 40001 is a serialization failure under repeatable read, 23514 the
// non-negative quantity check constraint, 55P03 a lock wait that ran
// past lock_timeout.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001":
			return ErrConflict
		case "23514":
			return ErrInsufficientStock
		case "23505":
			return ErrAlreadyExists
		case "55P03":
			return ErrBusy
		}
	}
	return err
}
