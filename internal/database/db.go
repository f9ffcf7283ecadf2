// Package database is the Postgres repository. It owns every SQL statement in
// the engine.
//
// Write discipline: all statements that mutate inventory or reservations live
// in transitions.go and are reachable only from the batch consumer, which is
// the single writer for its partitions. Everything in this file is read-only
// and safe to call from the API path.
package database

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"flash-reservation/internal/models"

	_ "github.com/lib/pq"
)

// Operation timeouts.
// These cap how long a single DB call can hold a connection / wait on a lock.
// The read timeout is intentionally tighter than the HTTP WriteTimeout so a
// handler can return a clean 500 before the client's TCP connection times out.
// The write timeout bounds the batch transaction; the ~10ms commit target is
// a latency goal, not a correctness requirement, so the hard cap is generous.
const (
	readTimeout  = 2 * time.Second
	writeTimeout = 5 * time.Second
)

type DB struct {
	Conn *sql.DB
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	slog.Info("postgres connected")
	return &DB{Conn: conn}, nil
}

const reservationColumns = `reservation_id, user_id, sku_id, quantity, status,
	expires_at, idempotency_key, created_at, confirmed_at, expired_at, cancelled_at`

func scanReservation(row interface{ Scan(...any) error }) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(
		&r.ReservationID, &r.UserID, &r.SkuID, &r.Quantity, &r.Status,
		&r.ExpiresAt, &r.IdempotencyKey, &r.CreatedAt,
		&r.ConfirmedAt, &r.ExpiredAt, &r.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetProduct fetches a product by sku. Returns sql.ErrNoRows when missing —
// callers must distinguish this from other errors for the right status code.
func (db *DB) GetProduct(ctx context.Context, skuID string) (*models.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var p models.Product
	err := db.Conn.QueryRowContext(ctx,
		`SELECT sku_id, name, category, image_url, base_price, sale_price,
		        event_id, is_active, created_at, updated_at
		 FROM products WHERE sku_id = $1`,
		skuID,
	).Scan(&p.SkuID, &p.Name, &p.Category, &p.ImageURL, &p.BasePrice, &p.SalePrice,
		&p.EventID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetInventory reads the counter row for a sku. Observational only outside
// the batch consumer.
func (db *DB) GetInventory(ctx context.Context, skuID string) (*models.Inventory, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var inv models.Inventory
	err := db.Conn.QueryRowContext(ctx,
		`SELECT sku_id, total, reserved, sold, available, updated_at
		 FROM inventory WHERE sku_id = $1`,
		skuID,
	).Scan(&inv.SkuID, &inv.Total, &inv.Reserved, &inv.Sold, &inv.Available, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetReservation fetches a reservation by id.
func (db *DB) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	return scanReservation(db.Conn.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = $1`,
		reservationID,
	))
}

// ActiveReservation returns the user's live hold on the sku, or
// sql.ErrNoRows when none exists. Used by the submitter's precheck fallback
// and by the poller to verify a cache hit against the store.
func (db *DB) ActiveReservation(ctx context.Context, userID, skuID string) (*models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	return scanReservation(db.Conn.QueryRowContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE user_id = $1 AND sku_id = $2 AND status = 'RESERVED' AND expires_at > NOW()
		 LIMIT 1`,
		userID, skuID,
	))
}

// HasPurchased reports whether the (user, sku) pair already completed a
// purchase. Backs the already-purchased precheck on a cache miss.
func (db *DB) HasPurchased(ctx context.Context, userID, skuID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var exists bool
	err := db.Conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_purchases WHERE user_id = $1 AND sku_id = $2)`,
		userID, skuID,
	).Scan(&exists)
	return exists, err
}

// FindExpired returns holds that are past expires_at but still RESERVED.
// The sweeper routes each through the sku's partition; this query never
// mutates anything itself.
func (db *DB) FindExpired(ctx context.Context, limit int) ([]models.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE status = 'RESERVED' AND expires_at < NOW()
		 ORDER BY expires_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			slog.Error("scan failed", "op", "find_expired", "error", err)
			continue
		}
		expired = append(expired, *r)
	}
	return expired, rows.Err()
}
