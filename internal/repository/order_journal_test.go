package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"futuresbot/internal/models"
)

// ============================================================
// OrderJournal Tests
// ============================================================

func newMockJournal(t *testing.T) (*OrderJournal, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	return NewOrderJournal(db), mock, func() { db.Close() }
}

func journalRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"client_ref", "exchange_id", "symbol", "side", "type",
		"quantity", "filled_qty", "avg_fill_price", "leverage", "reduce_only",
		"status", "reject_reason", "created_at", "closed_at",
	})
}

func TestNewOrderJournal(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	journal := NewOrderJournal(db)
	if journal == nil {
		t.Fatal("NewOrderJournal returned nil")
	}
	if journal.db != db {
		t.Error("db not set correctly")
	}
}

func TestOrderJournalMigrate(t *testing.T) {
	journal, mock, cleanup := newMockJournal(t)
	defer cleanup()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS orders`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := journal.Migrate(context.Background()); err != nil {
		t.Errorf("Migrate() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestOrderJournalArchive(t *testing.T) {
	now := time.Now()
	closed := now.Add(time.Minute)

	tests := []struct {
		name        string
		order       *models.Order
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "filled order",
			order: &models.Order{
				ClientRef:    "fb-1",
				ExchangeID:   "e-1",
				Symbol:       "BTCUSDT",
				Side:         models.SideBuy,
				Type:         models.OrderTypeLimit,
				Quantity:     1.0,
				FilledQty:    1.0,
				AvgFillPrice: 50120.0,
				Leverage:     5,
				Status:       models.OrderStatusFilled,
				CreatedAt:    now,
				ClosedAt:     &closed,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO orders`).
					WithArgs("fb-1", "e-1", "BTCUSDT", models.SideBuy, models.OrderTypeLimit,
						1.0, 1.0, 50120.0, 5, false,
						models.OrderStatusFilled, "", now, &closed).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "rejected order without fills",
			order: &models.Order{
				ClientRef:    "fb-2",
				Symbol:       "BTCUSDT",
				Side:         models.SideBuy,
				Type:         models.OrderTypeLimit,
				Quantity:     1.0,
				Status:       models.OrderStatusRejected,
				RejectReason: "leverage 20 exceeds max 10",
				CreatedAt:    now,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO orders`).
					WithArgs("fb-2", "", "BTCUSDT", models.SideBuy, models.OrderTypeLimit,
						1.0, 0.0, 0.0, 0, false,
						models.OrderStatusRejected, "leverage 20 exceeds max 10", now, nil).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "database error",
			order: &models.Order{
				ClientRef: "fb-3",
				Symbol:    "BTCUSDT",
				Side:      models.SideBuy,
				Type:      models.OrderTypeLimit,
				Quantity:  1.0,
				Status:    models.OrderStatusCancelled,
				CreatedAt: now,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO orders`).
					WillReturnError(errors.New("connection lost"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			journal, mock, cleanup := newMockJournal(t)
			defer cleanup()

			tt.mockSetup(mock)

			err := journal.Archive(context.Background(), tt.order)
			if (err != nil) != tt.expectError {
				t.Errorf("Archive() error = %v, expectError %v", err, tt.expectError)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestOrderJournalGetByClientRef(t *testing.T) {
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		journal, mock, cleanup := newMockJournal(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT .+ FROM orders`).
			WithArgs("fb-1").
			WillReturnRows(journalRows().AddRow(
				"fb-1", "e-1", "BTCUSDT", models.SideBuy, models.OrderTypeLimit,
				1.0, 1.0, 50120.0, 5, false,
				models.OrderStatusFilled, "", now, now,
			))

		order, err := journal.GetByClientRef(context.Background(), "fb-1")
		if err != nil {
			t.Fatalf("GetByClientRef() error = %v", err)
		}
		if order.ClientRef != "fb-1" {
			t.Errorf("ClientRef = %s, want fb-1", order.ClientRef)
		}
		if order.Status != models.OrderStatusFilled {
			t.Errorf("Status = %s, want FILLED", order.Status)
		}
		if order.FilledQty != 1.0 {
			t.Errorf("FilledQty = %v, want 1.0", order.FilledQty)
		}
	})

	t.Run("not found", func(t *testing.T) {
		journal, mock, cleanup := newMockJournal(t)
		defer cleanup()

		mock.ExpectQuery(`SELECT .+ FROM orders`).
			WithArgs("fb-missing").
			WillReturnError(sql.ErrNoRows)

		_, err := journal.GetByClientRef(context.Background(), "fb-missing")
		if !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("error = %v, want ErrOrderNotFound", err)
		}
	})
}

func TestOrderJournalGetBySymbol(t *testing.T) {
	now := time.Now()
	journal, mock, cleanup := newMockJournal(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM orders`).
		WithArgs("BTCUSDT", 10).
		WillReturnRows(journalRows().
			AddRow("fb-2", "e-2", "BTCUSDT", models.SideSell, models.OrderTypeMarket,
				0.5, 0.5, 51000.0, 5, true,
				models.OrderStatusFilled, "", now, now).
			AddRow("fb-1", "e-1", "BTCUSDT", models.SideBuy, models.OrderTypeLimit,
				1.0, 0.4, 50000.0, 5, false,
				models.OrderStatusCancelled, "", now, now))

	orders, err := journal.GetBySymbol(context.Background(), "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("GetBySymbol() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}
	if orders[0].ClientRef != "fb-2" || orders[1].ClientRef != "fb-1" {
		t.Errorf("order sequence = %s, %s", orders[0].ClientRef, orders[1].ClientRef)
	}
	if !orders[0].ReduceOnly {
		t.Error("orders[0].ReduceOnly = false, want true")
	}
}

func TestOrderJournalCountByStatus(t *testing.T) {
	journal, mock, cleanup := newMockJournal(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM orders`).
		WithArgs(models.OrderStatusFilled).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := journal.CountByStatus(context.Background(), models.OrderStatusFilled)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}
}

func TestOrderJournalDeleteOlderThan(t *testing.T) {
	journal, mock, cleanup := newMockJournal(t)
	defer cleanup()

	cutoff := time.Now().AddDate(0, -1, 0)
	mock.ExpectExec(`DELETE FROM orders`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := journal.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 7 {
		t.Errorf("deleted = %d, want 7", deleted)
	}
}
