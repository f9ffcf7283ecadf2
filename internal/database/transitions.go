package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"flash-reservation/internal/metrics"
	"flash-reservation/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
)

// ReserveResult is the per-request verdict of a batch transaction.
// Reservation is set for SUCCESS (new row or idempotent return of a live one).
type ReserveResult struct {
	RequestID   string
	UserID      string
	SkuID       string
	Code        models.OutcomeCode
	Reservation *models.Reservation
	// Created distinguishes a fresh row from an idempotent return, so the
	// caller emits a CREATED lifecycle event exactly once per reservation.
	Created bool
}

// TransitionResult is the verdict of a confirm / cancel / expire command.
type TransitionResult struct {
	Code        models.OutcomeCode
	Reservation *models.Reservation
	OrderID     string
	Available   int
	// Applied is true when this call performed the transition, false when it
	// observed a terminal state and no-oped.
	Applied bool
}

// ApplyReserveBatch decides one sku group of RESERVE requests inside a single
// transaction, in arrival order:
//
//  1. a live RESERVED row under the request's idempotency key resolves to
//     that row — replays and racing retries converge on one reservation;
//  2. a RESERVED row past its expiry is expired in place, freeing its unit
//     and its key, and the request competes for a fresh hold;
//  3. otherwise the request wins a unit while `available` lasts;
//  4. the remainder is OUT_OF_STOCK.
//
// No row locks are taken on inventory: the caller is the only writer for this
// sku's partition, so plain read-modify-write inside the transaction is race
// free. The partial unique index on live idempotency keys is the backstop for
// at-least-once replays that slip past the live-row check.
func (db *DB) ApplyReserveBatch(ctx context.Context, skuID string, msgs []*models.Message, hold time.Duration) ([]ReserveResult, int, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.BatchCommitDuration)
	defer timer.ObserveDuration()

	results := make([]ReserveResult, 0, len(msgs))

	var available int
	err := db.Conn.QueryRowContext(ctx,
		`SELECT available FROM inventory WHERE sku_id = $1`, skuID,
	).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		// No counter row means the sku was never put on sale.
		for _, m := range msgs {
			results = append(results, ReserveResult{
				RequestID: m.RequestID, UserID: m.UserID, SkuID: skuID,
				Code: models.CodeInvalidRequest,
			})
		}
		return results, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	// One round trip resolves every RESERVED row the batch could collide
	// with. No expiry filter here: an expired-but-unswept row still holds its
	// idempotency key under the partial unique index, so it must be visible —
	// the allocator expires it in place instead of colliding with it.
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.IdempotencyKey)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE idempotency_key = ANY($1) AND status = 'RESERVED'`,
		pq.Array(keys),
	)
	if err != nil {
		return nil, 0, err
	}
	live := make(map[string]*models.Reservation)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		live[r.IdempotencyKey] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	results, inserts, expiries := allocateReserves(skuID, msgs, live, available, now, hold)

	// Expire superseded holds before inserting their replacements, or the
	// partial unique index rejects the new row and the whole batch with it.
	freed := 0
	for _, r := range expiries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET status = 'EXPIRED', expired_at = $2 WHERE reservation_id = $1`,
			r.ReservationID, now,
		); err != nil {
			return nil, 0, err
		}
		freed += r.Quantity
	}

	winners := 0
	for _, r := range inserts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations
			   (reservation_id, user_id, sku_id, quantity, status, expires_at, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ReservationID, r.UserID, r.SkuID, r.Quantity, r.Status,
			r.ExpiresAt, r.IdempotencyKey, r.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		winners += r.Quantity
	}

	if winners > 0 || freed > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE inventory
			 SET available = available - $2 + $3, reserved = reserved + $2 - $3, updated_at = $4
			 WHERE sku_id = $1`,
			skuID, winners, freed, now,
		); err != nil {
			return nil, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return results, available - winners + freed, nil
}

// allocateReserves is the pure allocation step: arrival order, idempotent
// returns for live keys, winners while `available` lasts, OUT_OF_STOCK for
// the rest. Kept free of SQL so the batch-boundary properties are directly
// testable.
//
// A RESERVED row in live that is already past expires_at is a hold the
// sweeper has not reached yet. Its key is still taken, so the request cannot
// simply insert; instead the stale row is queued for in-place expiry, its
// unit returns to the pool, and the request competes for a fresh hold. The
// sweeper's eventual EXPIRE command then observes a terminal status and
// no-ops.
func allocateReserves(skuID string, msgs []*models.Message, live map[string]*models.Reservation, available int, now time.Time, hold time.Duration) ([]ReserveResult, []*models.Reservation, []*models.Reservation) {
	results := make([]ReserveResult, 0, len(msgs))
	inserts := make([]*models.Reservation, 0, len(msgs))
	var expiries []*models.Reservation
	remaining := available

	for _, m := range msgs {
		if existing, ok := live[m.IdempotencyKey]; ok {
			if existing.ExpiresAt.After(now) {
				results = append(results, ReserveResult{
					RequestID: m.RequestID, UserID: m.UserID, SkuID: skuID,
					Code: models.CodeSuccess, Reservation: existing,
				})
				continue
			}
			expiries = append(expiries, existing)
			remaining += existing.Quantity
			delete(live, m.IdempotencyKey)
		}

		if remaining < m.Quantity {
			results = append(results, ReserveResult{
				RequestID: m.RequestID, UserID: m.UserID, SkuID: skuID,
				Code: models.CodeOutOfStock,
			})
			continue
		}

		r := &models.Reservation{
			ReservationID:  uuid.New().String(),
			UserID:         m.UserID,
			SkuID:          skuID,
			Quantity:       m.Quantity,
			Status:         models.StatusReserved,
			ExpiresAt:      now.Add(hold),
			IdempotencyKey: m.IdempotencyKey,
			CreatedAt:      now,
		}
		// A replayed batch can carry a key whose row was inserted by the
		// aborted attempt; the live map already resolved it above, so every
		// insert here is genuinely new.
		live[m.IdempotencyKey] = r
		inserts = append(inserts, r)
		remaining -= m.Quantity

		results = append(results, ReserveResult{
			RequestID: m.RequestID, UserID: m.UserID, SkuID: skuID,
			Code: models.CodeSuccess, Reservation: r, Created: true,
		})
	}

	return results, inserts, expiries
}

// ConfirmReservation converts a live hold into a sale: RESERVED → CONFIRMED,
// reserved → sold, plus the Order and UserPurchase rows, atomically.
// Confirming an already-CONFIRMED reservation is an idempotent no-op that
// returns the existing order. Expired, cancelled or unknown reservations
// fail CANNOT_CONFIRM.
func (db *DB) ConfirmReservation(ctx context.Context, reservationID, paymentTxnID, shippingAddr string) (*TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = $1`,
		reservationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return &TransitionResult{Code: models.CodeCannotConfirm}, nil
	}
	if err != nil {
		return nil, err
	}

	if r.Status == models.StatusConfirmed {
		var orderID string
		if err := tx.QueryRowContext(ctx,
			`SELECT order_id FROM orders WHERE reservation_id = $1`, reservationID,
		).Scan(&orderID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return &TransitionResult{Code: models.CodeSuccess, Reservation: r, OrderID: orderID}, nil
	}

	now := time.Now().UTC()
	if r.Status != models.StatusReserved || !r.ExpiresAt.After(now) {
		return &TransitionResult{Code: models.CodeCannotConfirm, Reservation: r}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'CONFIRMED', confirmed_at = $2 WHERE reservation_id = $1`,
		reservationID, now,
	); err != nil {
		return nil, err
	}

	var available int
	if err := tx.QueryRowContext(ctx,
		`UPDATE inventory
		 SET reserved = reserved - $2, sold = sold + $2, updated_at = $3
		 WHERE sku_id = $1
		 RETURNING available`,
		r.SkuID, r.Quantity, now,
	).Scan(&available); err != nil {
		return nil, err
	}

	var salePrice string
	if err := tx.QueryRowContext(ctx,
		`SELECT sale_price FROM products WHERE sku_id = $1`, r.SkuID,
	).Scan(&salePrice); err != nil {
		return nil, err
	}

	orderID := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders
		   (order_id, reservation_id, user_id, sku_id, quantity, total_price, status,
		    payment_txn_id, shipping_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'CONFIRMED', $7, $8, $9)`,
		orderID, reservationID, r.UserID, r.SkuID, r.Quantity, salePrice,
		paymentTxnID, shippingAddr, now,
	); err != nil {
		return nil, err
	}

	// ON CONFLICT DO NOTHING makes a replayed CONFIRM safe: the purchase row
	// from the first delivery survives, no duplicate is created.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_purchases (user_id, sku_id, order_id, reservation_id, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, sku_id) DO NOTHING`,
		r.UserID, r.SkuID, orderID, reservationID, r.Quantity, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	confirmed := *r
	confirmed.Status = models.StatusConfirmed
	confirmed.ConfirmedAt = &now
	return &TransitionResult{
		Code: models.CodeSuccess, Reservation: &confirmed,
		OrderID: orderID, Available: available, Applied: true,
	}, nil
}

// CancelReservation releases a hold on user request: RESERVED → CANCELLED,
// reserved → available. Cancelling an already-CANCELLED reservation no-ops;
// other terminal states cannot be cancelled.
func (db *DB) CancelReservation(ctx context.Context, reservationID string) (*TransitionResult, error) {
	return db.release(ctx, reservationID, models.StatusCancelled, false)
}

// ExpireReservation is the sweeper's transition, applied through the same
// single writer as every other mutation: RESERVED past expires_at → EXPIRED,
// reserved → available. A hold that was confirmed or cancelled in the
// meantime is left untouched.
func (db *DB) ExpireReservation(ctx context.Context, reservationID string) (*TransitionResult, error) {
	return db.release(ctx, reservationID, models.StatusExpired, true)
}

func (db *DB) release(ctx context.Context, reservationID string, to models.ReservationStatus, onlyPastExpiry bool) (*TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = $1`,
		reservationID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return &TransitionResult{Code: models.CodeInvalidRequest}, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if r.Status != models.StatusReserved {
		// Terminal already — whoever got here first won; observe and no-op.
		code := models.CodeSuccess
		if r.Status == models.StatusConfirmed && to == models.StatusCancelled {
			code = models.CodeInvalidRequest
		}
		return &TransitionResult{Code: code, Reservation: r}, nil
	}

	if onlyPastExpiry && r.ExpiresAt.After(now) {
		// Hold is still live; the sweeper's view was stale.
		return &TransitionResult{Code: models.CodeSuccess, Reservation: r}, nil
	}

	var col string
	switch to {
	case models.StatusCancelled:
		col = "cancelled_at"
	case models.StatusExpired:
		col = "expired_at"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = $2, `+col+` = $3 WHERE reservation_id = $1`,
		reservationID, to, now,
	); err != nil {
		return nil, err
	}

	var available int
	if err := tx.QueryRowContext(ctx,
		`UPDATE inventory
		 SET reserved = reserved - $2, available = available + $2, updated_at = $3
		 WHERE sku_id = $1
		 RETURNING available`,
		r.SkuID, r.Quantity, now,
	).Scan(&available); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	released := *r
	released.Status = to
	switch to {
	case models.StatusCancelled:
		released.CancelledAt = &now
	case models.StatusExpired:
		released.ExpiredAt = &now
	}
	return &TransitionResult{
		Code: models.CodeSuccess, Reservation: &released,
		Available: available, Applied: true,
	}, nil
}
