package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

// ReserveAndCreateOrder runs the whole reservation as one transaction:
// lock product rows (sorted ids, so concurrent multi-item checkouts cannot
// deadlock), reject unknown ids, ensure inventory rows, reserve stock with a
// conditional increment per line, then insert the order and its items.
// Any failure before commit rolls back every increment in the batch.
func (r *Repo) ReserveAndCreateOrder(ctx context.Context, email, userID *string, lines []Line, ttl time.Duration) (*ReservedOrder, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}

	// Locked read keeps the existence check consistent with the price read.
	rows, err := tx.Query(ctx, `
		SELECT id, name, price_cents FROM products
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	products := make(map[int64]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents); err != nil {
			rows.Close()
			return nil, err
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []int64
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &ProductNotFoundError{IDs: missing}
	}

	// Lazily create inventory rows so the conditional update below has a row to hit.
	if _, err := tx.Exec(ctx, `
		INSERT INTO inventory (sku_id, on_hand, reserved)
		SELECT unnest($1::bigint[]), 0, 0
		ON CONFLICT (sku_id) DO NOTHING`, ids); err != nil {
		return nil, err
	}

	// Compare-and-increment: a separate read-then-write would race.
	for _, l := range lines {
		ct, err := tx.Exec(ctx, `
			UPDATE inventory
			SET reserved = reserved + $1, updated_at = now()
			WHERE sku_id = $2 AND on_hand - reserved >= $1`, l.Quantity, l.ProductID)
		if err != nil {
			return nil, err
		}
		if ct.RowsAffected() == 0 {
			return nil, &OutOfStockError{ProductID: l.ProductID}
		}
	}

	var total int64
	priced := make([]PricedLine, len(lines))
	for i, l := range lines {
		p := products[l.ProductID]
		total += p.PriceCents * int64(l.Quantity)
		priced[i] = PricedLine{ProductID: l.ProductID, Name: p.Name, Quantity: l.Quantity, PriceCents: p.PriceCents}
	}

	orderID := uuid.NewString()
	reservedUntil := time.Now().UTC().Add(ttl)
	if _, err := tx.Exec(ctx, `
		INSERT INTO orders (id, email, user_id, total_cents, status, payment_session_id, inventory_reserved, reserved_until)
		VALUES ($1, $2, $3, $4, $5, NULL, TRUE, $6)`,
		orderID, email, userID, total, StatusPending, reservedUntil); err != nil {
		return nil, err
	}

	for _, pl := range priced {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price_cents)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			orderID, pl.ProductID, pl.Quantity, pl.PriceCents); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ReservedOrder{OrderID: orderID, TotalCents: total, Lines: priced, ReservedUntil: reservedUntil}, nil
}

// SavePaymentSession persists the provider session id only if it is still
// unset. Zero affected rows means a duplicate call already set it; that is
// logged, not an error.
func (r *Repo) SavePaymentSession(ctx context.Context, orderID, sessionID string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_session_id = $1
		WHERE id = $2 AND payment_session_id IS NULL`, sessionID, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		log.Printf("payment session already set, skip update order=%s", orderID)
	}
	return nil
}

// ReleaseOrder is the compensating transaction: flip the order out of its
// reserved pending state, then give the stock back, floored at zero. The
// status flip is conditional so re-running after an ambiguous provider
// failure cannot double-release. Returns the released lines, or nil if the
// order was not in a releasable state.
func (r *Repo) ReleaseOrder(ctx context.Context, orderID string, to Status) ([]ItemQty, error) {
	if !CanTransition(StatusPending, to) {
		return nil, fmt.Errorf("cannot release order to status %q", to)
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, inventory_reserved = FALSE
		WHERE id = $1 AND status = $3 AND inventory_reserved`, orderID, to, StatusPending)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, nil // already released or in a terminal state
	}

	rows, err := tx.Query(ctx, `SELECT product_id, quantity FROM order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	var items []ItemQty
	for rows.Next() {
		var it ItemQty
		if err := rows.Scan(&it.ProductID, &it.Qty); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE inventory i
		SET reserved = GREATEST(0, i.reserved - oi.quantity), updated_at = now()
		FROM order_items oi
		WHERE oi.order_id = $1 AND i.sku_id = oi.product_id`, orderID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

// OverdueOrders lists pending orders whose reservation window has lapsed.
func (r *Repo) OverdueOrders(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND inventory_reserved AND reserved_until < now()
		ORDER BY reserved_until
		LIMIT $2`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Availability returns available = max(on_hand - reserved, 0) per product.
// No locks; slightly stale reads are fine for display.
func (r *Repo) Availability(ctx context.Context, ids []int64) (map[int64]int, error) {
	q := `
		SELECT p.id,
		       GREATEST(COALESCE(i.on_hand, 0) - COALESCE(i.reserved, 0), 0)::int AS available
		FROM products p
		LEFT JOIN inventory i ON i.sku_id = p.id`
	args := []any{}
	if len(ids) > 0 {
		q += ` WHERE p.id = ANY($1)`
		args = append(args, ids)
	}

	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var id int64
		var avail int
		if err := rows.Scan(&id, &avail); err != nil {
			return nil, err
		}
		out[id] = avail
	}
	return out, rows.Err()
}

type StockLevel struct {
	SKUID     int64 `json:"sku_id"`
	OnHand    int   `json:"on_hand"`
	Reserved  int   `json:"reserved"`
	Available int   `json:"available"`
}

// UpsertOnHand sets absolute stock for one product, leaving reserved alone.
// A check-constraint violation (stock below what is currently reserved)
// surfaces as invalid input.
func (r *Repo) UpsertOnHand(ctx context.Context, productID int64, onHand int) (*StockLevel, error) {
	if onHand < 0 {
		return nil, fmt.Errorf("%w: on_hand must be a non-negative integer", ErrInvalidInput)
	}

	var exists int64
	err := r.DB.QueryRow(ctx, `SELECT id FROM products WHERE id = $1`, productID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ProductNotFoundError{IDs: []int64{productID}}
	}
	if err != nil {
		return nil, err
	}

	var lvl StockLevel
	err = r.DB.QueryRow(ctx, `
		INSERT INTO inventory (sku_id, on_hand, reserved)
		VALUES ($1, $2, 0)
		ON CONFLICT (sku_id) DO UPDATE SET on_hand = EXCLUDED.on_hand, updated_at = now()
		RETURNING sku_id, on_hand, reserved, GREATEST(on_hand - reserved, 0)::int`,
		productID, onHand).Scan(&lvl.SKUID, &lvl.OnHand, &lvl.Reserved, &lvl.Available)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return nil, fmt.Errorf("%w: cannot set stock below reserved quantity", ErrInvalidInput)
		}
		return nil, err
	}
	return &lvl, nil
}

type AdminInventoryRow struct {
	ProductID  int64      `json:"id"`
	Name       string     `json:"name"`
	PriceCents int64      `json:"price_cents"`
	OnHand     int        `json:"on_hand"`
	Reserved   int        `json:"reserved"`
	Available  int        `json:"available"`
	UpdatedAt  *time.Time `json:"inventory_updated_at"`
}

func (r *Repo) AdminInventory(ctx context.Context) ([]AdminInventoryRow, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT p.id, p.name, p.price_cents,
		       COALESCE(i.on_hand, 0)::int,
		       COALESCE(i.reserved, 0)::int,
		       GREATEST(COALESCE(i.on_hand, 0) - COALESCE(i.reserved, 0), 0)::int,
		       i.updated_at
		FROM products p
		LEFT JOIN inventory i ON i.sku_id = p.id
		ORDER BY p.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AdminInventoryRow
	for rows.Next() {
		var a AdminInventoryRow
		if err := rows.Scan(&a.ProductID, &a.Name, &a.PriceCents, &a.OnHand, &a.Reserved, &a.Available, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
