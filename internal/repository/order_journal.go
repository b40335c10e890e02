// Package repository архивирует терминальные ордера в Postgres.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"futuresbot/internal/models"
)

// Ошибки журнала
var (
	ErrOrderNotFound = errors.New("order not found")
)

// Колонки журнала в порядке SELECT
const journalColumns = `client_ref, exchange_id, symbol, side, type, quantity, filled_qty, avg_fill_price, leverage, reduce_only, status, reject_reason, created_at, closed_at`

// OrderJournal - архив терминальных ордеров. Живые ордера живут только
// в реестре движка; сюда ордер попадает один раз, по достижении
// терминального статуса.
type OrderJournal struct {
	db *sql.DB
}

// NewOrderJournal создает журнал поверх открытого соединения
func NewOrderJournal(db *sql.DB) *OrderJournal {
	return &OrderJournal{db: db}
}

// Migrate создаёт таблицу журнала, если её ещё нет
func (j *OrderJournal) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS orders (
			client_ref     TEXT PRIMARY KEY,
			exchange_id    TEXT NOT NULL DEFAULT '',
			symbol         TEXT NOT NULL,
			side           TEXT NOT NULL,
			type           TEXT NOT NULL,
			quantity       DOUBLE PRECISION NOT NULL,
			filled_qty     DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			leverage       INTEGER NOT NULL DEFAULT 0,
			reduce_only    BOOLEAN NOT NULL DEFAULT FALSE,
			status         TEXT NOT NULL,
			reject_reason  TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			closed_at      TIMESTAMPTZ
		)`

	_, err := j.db.ExecContext(ctx, query)
	return err
}

// Archive записывает терминальный ордер. Идемпотентен по client_ref:
// повторная архивация того же ордера обновляет запись.
func (j *OrderJournal) Archive(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (` + journalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (client_ref) DO UPDATE
		SET status = EXCLUDED.status,
		    filled_qty = EXCLUDED.filled_qty,
		    avg_fill_price = EXCLUDED.avg_fill_price,
		    reject_reason = EXCLUDED.reject_reason,
		    closed_at = EXCLUDED.closed_at`

	_, err := j.db.ExecContext(
		ctx,
		query,
		order.ClientRef,
		order.ExchangeID,
		order.Symbol,
		order.Side,
		order.Type,
		order.Quantity,
		order.FilledQty,
		order.AvgFillPrice,
		order.Leverage,
		order.ReduceOnly,
		order.Status,
		order.RejectReason,
		order.CreatedAt,
		order.ClosedAt,
	)
	return err
}

// GetByClientRef возвращает архивный ордер
func (j *OrderJournal) GetByClientRef(ctx context.Context, clientRef string) (*models.Order, error) {
	query := `
		SELECT ` + journalColumns + `
		FROM orders
		WHERE client_ref = $1`

	order := &models.Order{}
	err := j.db.QueryRowContext(ctx, query, clientRef).Scan(
		&order.ClientRef,
		&order.ExchangeID,
		&order.Symbol,
		&order.Side,
		&order.Type,
		&order.Quantity,
		&order.FilledQty,
		&order.AvgFillPrice,
		&order.Leverage,
		&order.ReduceOnly,
		&order.Status,
		&order.RejectReason,
		&order.CreatedAt,
		&order.ClosedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	return order, nil
}

// GetRecent возвращает последние N архивных ордеров
func (j *OrderJournal) GetRecent(ctx context.Context, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + journalColumns + `
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetBySymbol возвращает архивные ордера по символу
func (j *OrderJournal) GetBySymbol(ctx context.Context, symbol string, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + journalColumns + `
		FROM orders
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := j.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// CountByStatus возвращает количество архивных ордеров в статусе
func (j *OrderJournal) CountByStatus(ctx context.Context, status string) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE status = $1`

	var count int
	if err := j.db.QueryRowContext(ctx, query, status).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteOlderThan удаляет архивные записи старше указанной даты
func (j *OrderJournal) DeleteOlderThan(ctx context.Context, timestamp time.Time) (int64, error) {
	query := `DELETE FROM orders WHERE created_at < $1`

	result, err := j.db.ExecContext(ctx, query, timestamp)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanOrders(rows *sql.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		err := rows.Scan(
			&order.ClientRef,
			&order.ExchangeID,
			&order.Symbol,
			&order.Side,
			&order.Type,
			&order.Quantity,
			&order.FilledQty,
			&order.AvgFillPrice,
			&order.Leverage,
			&order.ReduceOnly,
			&order.Status,
			&order.RejectReason,
			&order.CreatedAt,
			&order.ClosedAt,
		)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}
