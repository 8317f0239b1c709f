package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore persists orders and notifications. Order updates take a row
// lock (SELECT ... FOR UPDATE) so transitions on one order are serialized
// across processes.
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

func OpenPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// Wait for database to be ready
	var pingErr error
	for i := 0; i < 15; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			break
		}
		logger.WithField("attempt", i+1).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", pingErr)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	logger.Info("Database connection established")
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			customer_id VARCHAR(255) NOT NULL,
			farmer_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			feedback_rating INTEGER,
			feedback_comment TEXT,
			feedback_submitted_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			position INTEGER NOT NULL,
			product_id VARCHAR(255) NOT NULL,
			unit_price NUMERIC(14,4) NOT NULL,
			discount_percent NUMERIC(7,4) NOT NULL,
			quantity INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_farmer_id ON orders(farmer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_owner_unread ON notifications(owner_id, read)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, order models.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, farmer_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, order.ID, order.CustomerID, order.FarmerID, string(order.Status), order.CreatedAt, order.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create order %s: %w", order.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, product_id, unit_price, discount_percent, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, order.ID, i, item.ProductID, item.UnitPrice, item.DiscountPercent, item.Quantity)
		if err != nil {
			return fmt.Errorf("create order item: %w", err)
		}
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const orderColumns = `id, customer_id, farmer_id, status, created_at, updated_at,
	feedback_rating, feedback_comment, feedback_submitted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o           models.Order
		status      string
		rating      sql.NullInt64
		comment     sql.NullString
		submittedAt sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.FarmerID, &status, &o.CreatedAt, &o.UpdatedAt,
		&rating, &comment, &submittedAt); err != nil {
		return models.Order{}, err
	}
	o.Status = models.Status(status)
	if rating.Valid {
		o.Feedback = &models.Feedback{
			Rating:      int(rating.Int64),
			Comment:     comment.String,
			SubmittedAt: submittedAt.Time,
		}
	}
	return o, nil
}

func loadItems(ctx context.Context, q queryer, orderID string) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, unit_price, discount_percent, quantity
		FROM order_items WHERE order_id = $1 ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.UnitPrice, &item.DiscountPercent, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func getOrder(ctx context.Context, q queryer, id string, forUpdate bool) (models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, fmt.Errorf("get order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	if o.Items, err = loadItems(ctx, q, id); err != nil {
		return models.Order{}, fmt.Errorf("get order %s items: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (models.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func (s *PostgresStore) ListOrders(ctx context.Context, actor models.Actor) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	switch actor.Role {
	case models.RoleCustomer:
		query += ` WHERE customer_id = $1`
		args = append(args, actor.ID)
	case models.RoleFarmer:
		query += ` WHERE farmer_id = $1`
		args = append(args, actor.ID)
	case models.RoleAdmin:
	default:
		return nil, fmt.Errorf("list orders: unknown role %q", actor.Role)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list orders: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	for i := range orders {
		if orders[i].Items, err = loadItems(ctx, s.db, orders[i].ID); err != nil {
			return nil, fmt.Errorf("list orders items: %w", err)
		}
	}
	return orders, nil
}

// Update locks the order row, applies mutate to a copy and writes the status,
// updated_at and feedback columns back. Items are never rewritten. On any
// failure the transaction rolls back and the locked (authoritative) order is
// returned with the error.
func (s *PostgresStore) Update(ctx context.Context, id string, mutate func(*models.Order) error) (models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Order{}, fmt.Errorf("update order %s: %w", id, err)
	}
	defer tx.Rollback()

	current, err := getOrder(ctx, tx, id, true)
	if err != nil {
		return models.Order{}, err
	}

	local := current.Clone()
	if err := mutate(&local); err != nil {
		return current, err
	}

	var (
		rating      sql.NullInt64
		comment     sql.NullString
		submittedAt sql.NullTime
	)
	if fb := local.Feedback; fb != nil {
		rating = sql.NullInt64{Int64: int64(fb.Rating), Valid: true}
		comment = sql.NullString{String: fb.Comment, Valid: true}
		submittedAt = sql.NullTime{Time: fb.SubmittedAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3, feedback_rating = $4, feedback_comment = $5, feedback_submitted_at = $6
		WHERE id = $1
	`, id, string(local.Status), local.UpdatedAt, rating, comment, submittedAt)
	if err != nil {
		return current, fmt.Errorf("update order %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("update order %s: %w", id, err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": id,
		"status":   local.Status,
	}).Debug("Order updated")
	return local, nil
}

func (s *PostgresStore) Insert(ctx context.Context, n models.Notification) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, owner_id, kind, title, body, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.OwnerID, string(n.Kind), n.Title, n.Body, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("insert notification %s: %w", n.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, ownerID, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE notifications SET read = TRUE WHERE id = $1 AND owner_id = $2 RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM updated)
	`, id, ownerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("mark notification %s read: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE owner_id = $1 AND read = FALSE`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE owner_id = $1 AND read = FALSE`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, title, body, created_at, read
		FROM notifications WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.OwnerID, &kind, &n.Title, &n.Body, &n.CreatedAt, &n.Read); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		n.Kind = models.NotificationKind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}
