// store/postgres.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quillshelf/bookpay/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection (used by tests).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetBook retrieves the catalog facts needed at checkout and delivery time.
func (s *PostgresStore) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	query := `
		SELECT id, title, author, price, currency, file_path, file_size, downloadable
		FROM books WHERE id = $1`

	var book models.Book
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&book.ID,
		&book.Title,
		&book.Author,
		&book.Price,
		&book.Currency,
		&book.FilePath,
		&book.FileSize,
		&book.Downloadable,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &book, nil
}

// CreateCheckout persists order, items, and payment atomically, redeeming
// the coupon in the same transaction when usage is non-nil.
func (s *PostgresStore) CreateCheckout(ctx context.Context, order *models.Order, payment *models.Payment, usage *models.CouponUsage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	order.CreatedAt = now
	order.UpdatedAt = now

	paymentQuery := `
		INSERT INTO payments (
			id, user_id, book_id, payment_reference, gateway_reference, gateway_name,
			amount, currency, payment_method, status, failure_reason, gateway_response,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = tx.ExecContext(ctx, paymentQuery,
		payment.ID,
		payment.UserID,
		payment.BookID,
		payment.PaymentReference,
		payment.GatewayReference,
		payment.GatewayName,
		payment.Amount,
		payment.Currency,
		payment.PaymentMethod,
		payment.Status,
		payment.FailureReason,
		nullableJSON(payment.GatewayResponse),
		payment.ExpiresAt,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	orderQuery := `
		INSERT INTO orders (
			id, order_number, user_id, payment_id, total_amount, discount_amount,
			coupon_code, currency, status, delivery_status, refunded_amount,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = tx.ExecContext(ctx, orderQuery,
		order.ID,
		order.OrderNumber,
		order.UserID,
		order.PaymentID,
		order.TotalAmount,
		order.DiscountAmount,
		order.CouponCode,
		order.Currency,
		order.Status,
		order.DeliveryStatus,
		order.RefundedAmount,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	itemQuery := `
		INSERT INTO order_items (id, order_id, book_id, title, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, itemQuery,
			item.ID,
			order.ID,
			item.BookID,
			item.Title,
			item.Price,
			item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if usage != nil {
		// Capacity check and increment are a single conditional update so
		// concurrent redemptions cannot push used_count past usage_limit.
		couponQuery := `
			UPDATE coupons
			SET used_count = used_count + 1, updated_at = $2
			WHERE id = $1 AND is_active = TRUE
			  AND (usage_limit IS NULL OR used_count < usage_limit)`

		res, err := tx.ExecContext(ctx, couponQuery, usage.CouponID, now)
		if err != nil {
			return fmt.Errorf("failed to redeem coupon: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read coupon update result: %w", err)
		}
		if affected == 0 {
			return ErrCouponExhausted
		}

		usageQuery := `
			INSERT INTO coupon_usages (
				id, coupon_id, user_id, order_id, discount_amount,
				order_total_before, order_total_after, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		_, err = tx.ExecContext(ctx, usageQuery,
			usage.ID,
			usage.CouponID,
			usage.UserID,
			usage.OrderID,
			usage.DiscountAmount,
			usage.OrderTotalBefore,
			usage.OrderTotalAfter,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert coupon usage: %w", err)
		}
	}

	return tx.Commit()
}

const paymentColumns = `
	id, user_id, book_id, payment_reference, gateway_reference, gateway_name,
	amount, currency, payment_method, status, failure_reason, gateway_response,
	expires_at, created_at, updated_at`

func scanPayment(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	var response []byte
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.BookID,
		&p.PaymentReference,
		&p.GatewayReference,
		&p.GatewayName,
		&p.Amount,
		&p.Currency,
		&p.PaymentMethod,
		&p.Status,
		&p.FailureReason,
		&response,
		&p.ExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.GatewayResponse = response
	return &p, nil
}

// GetPayment retrieves a payment by ID
func (s *PostgresStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.db.QueryRowContext(ctx, query, id))
}

// GetPaymentByReference retrieves a payment by its local reference
func (s *PostgresStore) GetPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_reference = $1`
	return scanPayment(s.db.QueryRowContext(ctx, query, reference))
}

// UpdatePaymentGateway records the gateway-assigned reference and raw response
func (s *PostgresStore) UpdatePaymentGateway(ctx context.Context, id uuid.UUID, gatewayReference string, response json.RawMessage) error {
	query := `
		UPDATE payments
		SET gateway_reference = $2, gateway_response = $3, updated_at = $4
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, gatewayReference, nullableJSON(response), time.Now())
	if err != nil {
		return fmt.Errorf("failed to update payment gateway info: %w", err)
	}
	return nil
}

// TransitionPayment performs the compare-and-set status move that keeps the
// payment state machine race-free under concurrent success signals.
func (s *PostgresStore) TransitionPayment(ctx context.Context, id uuid.UUID, from []models.PaymentStatus, to models.PaymentStatus, reason string, response json.RawMessage) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	query := `
		UPDATE payments
		SET status = $2, failure_reason = $3, updated_at = $4,
		    gateway_response = COALESCE($5, gateway_response)
		WHERE id = $1 AND status = ANY($6)`

	res, err := s.db.ExecContext(ctx, query, id, to, reason, time.Now(), nullableJSON(response), pq.Array(fromStrs))
	if err != nil {
		return false, fmt.Errorf("failed to transition payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return affected == 1, nil
}

// ExpirePayments moves unresolved payments past expires_at to expired.
func (s *PostgresStore) ExpirePayments(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE payments
		SET status = $1, updated_at = $2
		WHERE status IN ($3, $4) AND expires_at < $2`

	res, err := s.db.ExecContext(ctx, query,
		models.PaymentStatusExpired, now,
		models.PaymentStatusPending, models.PaymentStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire payments: %w", err)
	}
	return res.RowsAffected()
}

// AddPaymentEvent appends an audit event
func (s *PostgresStore) AddPaymentEvent(ctx context.Context, event models.PaymentEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query := `
		INSERT INTO payment_events (id, payment_id, event_type, status, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.db.ExecContext(ctx, query, event.ID, event.PaymentID, event.EventType, event.Status, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to add payment event: %w", err)
	}
	return nil
}

// GetPaymentEvents retrieves audit events for a payment
func (s *PostgresStore) GetPaymentEvents(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentEvent, error) {
	query := `
		SELECT id, payment_id, event_type, status, data, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment events: %w", err)
	}
	defer rows.Close()

	var events []models.PaymentEvent
	for rows.Next() {
		var event models.PaymentEvent
		var data []byte
		if err := rows.Scan(&event.ID, &event.PaymentID, &event.EventType, &event.Status, &data, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		if len(data) > 0 {
			var decoded interface{}
			if err := json.Unmarshal(data, &decoded); err == nil {
				event.Data = decoded
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GrantEntitlement inserts the (user, book) grant; the unique constraint
// makes duplicate grants a detectable no-op.
func (s *PostgresStore) GrantEntitlement(ctx context.Context, ent *models.Entitlement) (bool, error) {
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}

	query := `
		INSERT INTO entitlements (id, user_id, book_id, order_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, book_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, ent.ID, ent.UserID, ent.BookID, ent.OrderID, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to grant entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read entitlement result: %w", err)
	}
	return affected == 1, nil
}

const orderColumns = `
	id, order_number, user_id, payment_id, total_amount, discount_amount,
	coupon_code, currency, status, delivery_status, refunded_amount, cancel_reason,
	completed_at, cancelled_at, refunded_at, delivered_at, created_at, updated_at`

func (s *PostgresStore) scanOrder(ctx context.Context, row *sql.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID,
		&o.OrderNumber,
		&o.UserID,
		&o.PaymentID,
		&o.TotalAmount,
		&o.DiscountAmount,
		&o.CouponCode,
		&o.Currency,
		&o.Status,
		&o.DeliveryStatus,
		&o.RefundedAmount,
		&o.CancelReason,
		&o.CompletedAt,
		&o.CancelledAt,
		&o.RefundedAt,
		&o.DeliveredAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	itemsQuery := `
		SELECT id, order_id, book_id, title, price, quantity
		FROM order_items WHERE order_id = $1`

	rows, err := s.db.QueryContext(ctx, itemsQuery, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.BookID, &item.Title, &item.Price, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}

// GetOrder retrieves an order with its items
func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return s.scanOrder(ctx, s.db.QueryRowContext(ctx, query, id))
}

// GetOrderByNumber retrieves an order by its human-referenceable number
func (s *PostgresStore) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`
	return s.scanOrder(ctx, s.db.QueryRowContext(ctx, query, number))
}

// GetOrderByPaymentID retrieves the order owning a payment
func (s *PostgresStore) GetOrderByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_id = $1`
	return s.scanOrder(ctx, s.db.QueryRowContext(ctx, query, paymentID))
}

// MarkOrderProcessing advances a pending order once the gateway acknowledged
// initialization. Best effort: later states are left alone.
func (s *PostgresStore) MarkOrderProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE orders SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4`

	_, err := s.db.ExecContext(ctx, query, id, models.OrderStatusProcessing, time.Now(), models.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark order processing: %w", err)
	}
	return nil
}

// CompleteOrder stamps completed_at; guarded so a cancelled or refunded
// order can never flip to completed.
func (s *PostgresStore) CompleteOrder(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	query := `
		UPDATE orders SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)`

	res, err := s.db.ExecContext(ctx, query, id, models.OrderStatusCompleted, now,
		models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to complete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read completion result: %w", err)
	}
	return affected == 1, nil
}

// CancelOrder is guarded to pending/processing orders.
func (s *PostgresStore) CancelOrder(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	now := time.Now()
	query := `
		UPDATE orders SET status = $2, cancel_reason = $3, cancelled_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6)`

	res, err := s.db.ExecContext(ctx, query, id, models.OrderStatusCancelled, reason, now,
		models.OrderStatusPending, models.OrderStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to cancel order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return affected == 1, nil
}

// RecordRefund inserts the refund row and advances refunded_amount in one
// transaction. The remaining-amount check lives in the UPDATE's WHERE clause
// so concurrent refunds serialize on the order row.
func (s *PostgresStore) RecordRefund(ctx context.Context, refund *models.Refund) (bool, error) {
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	orderQuery := `
		UPDATE orders
		SET refunded_amount = refunded_amount + $2, status = $3, refunded_at = $4, updated_at = $4
		WHERE id = $1
		  AND status IN ($5, $6)
		  AND total_amount - refunded_amount >= $2`

	res, err := tx.ExecContext(ctx, orderQuery, refund.OrderID, refund.Amount,
		models.OrderStatusRefunded, now, models.OrderStatusCompleted, models.OrderStatusRefunded)
	if err != nil {
		return false, fmt.Errorf("failed to apply refund to order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read refund result: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	refundQuery := `
		INSERT INTO refunds (id, order_id, amount, reference, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = tx.ExecContext(ctx, refundQuery, refund.ID, refund.OrderID, refund.Amount,
		refund.Reference, refund.Reason, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert refund: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit refund: %w", err)
	}
	refund.CreatedAt = now
	return true, nil
}

// UpdateDeliveryStatus advances the order's parallel delivery track.
func (s *PostgresStore) UpdateDeliveryStatus(ctx context.Context, orderID uuid.UUID, status models.DeliveryStatus) error {
	now := time.Now()
	query := `UPDATE orders SET delivery_status = $2, updated_at = $3`
	args := []interface{}{orderID, status, now}

	if status == models.DeliveryStatusDelivered {
		query += `, delivered_at = $4`
		args = append(args, now)
	}
	query += ` WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	return nil
}

// GetCouponByCode retrieves a coupon by its code
func (s *PostgresStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	query := `
		SELECT id, code, type, value, min_amount, max_discount, usage_limit, used_count,
		       per_user_limit, starts_at, expires_at, is_active, applicable_books,
		       excluded_books, created_at, updated_at
		FROM coupons WHERE code = $1`

	var c models.Coupon
	var applicable, excluded pq.StringArray
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&c.ID,
		&c.Code,
		&c.Type,
		&c.Value,
		&c.MinAmount,
		&c.MaxDiscount,
		&c.UsageLimit,
		&c.UsedCount,
		&c.PerUserLimit,
		&c.StartsAt,
		&c.ExpiresAt,
		&c.IsActive,
		&applicable,
		&excluded,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}

	if c.ApplicableBooks, err = parseUUIDs(applicable); err != nil {
		return nil, fmt.Errorf("invalid applicable_books on coupon %s: %w", c.Code, err)
	}
	if c.ExcludedBooks, err = parseUUIDs(excluded); err != nil {
		return nil, fmt.Errorf("invalid excluded_books on coupon %s: %w", c.Code, err)
	}
	return &c, nil
}

// CountCouponUsageByUser derives per-user usage from the audit rows; the
// counter on the coupon is never trusted for per-user caps.
func (s *PostgresStore) CountCouponUsageByUser(ctx context.Context, couponID, userID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	var count int
	if err := s.db.QueryRowContext(ctx, query, couponID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count coupon usage: %w", err)
	}
	return count, nil
}

// InsertWebhook durably records an inbound event before any processing.
// Duplicate references return the stored row instead of a new one.
func (s *PostgresStore) InsertWebhook(ctx context.Context, webhook *models.PaymentWebhook) (bool, *models.PaymentWebhook, error) {
	if webhook.ID == uuid.Nil {
		webhook.ID = uuid.New()
	}
	now := time.Now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = models.WebhookStatusReceived
	}

	query := `
		INSERT INTO payment_webhooks (
			id, webhook_reference, gateway_name, event_type, payload, status,
			retry_count, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (webhook_reference) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		webhook.ID,
		webhook.WebhookReference,
		webhook.GatewayName,
		webhook.EventType,
		[]byte(webhook.Payload),
		webhook.Status,
		webhook.RetryCount,
		webhook.LastError,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert webhook: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to read webhook insert result: %w", err)
	}
	if affected == 1 {
		return true, webhook, nil
	}

	existing, err := s.getWebhookByReference(ctx, webhook.WebhookReference)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *PostgresStore) getWebhookByReference(ctx context.Context, reference string) (*models.PaymentWebhook, error) {
	query := `
		SELECT id, webhook_reference, gateway_name, event_type, payload, status,
		       retry_count, last_error, created_at, updated_at
		FROM payment_webhooks WHERE webhook_reference = $1`

	var w models.PaymentWebhook
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, reference).Scan(
		&w.ID,
		&w.WebhookReference,
		&w.GatewayName,
		&w.EventType,
		&payload,
		&w.Status,
		&w.RetryCount,
		&w.LastError,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	w.Payload = payload
	return &w, nil
}

// UpdateWebhookStatus moves a webhook along received -> processing -> processed.
func (s *PostgresStore) UpdateWebhookStatus(ctx context.Context, id uuid.UUID, status models.WebhookStatus) error {
	query := `UPDATE payment_webhooks SET status = $2, updated_at = $3 WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update webhook status: %w", err)
	}
	return nil
}

// MarkWebhookFailed records the failure and consumes one retry.
func (s *PostgresStore) MarkWebhookFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE payment_webhooks
		SET status = $2, retry_count = retry_count + 1, last_error = $3, updated_at = $4
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, models.WebhookStatusFailed, lastError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	return nil
}

// MarkWebhookRejected records a signature rejection without consuming a
// retry; rejected rows never enter the retry pool.
func (s *PostgresStore) MarkWebhookRejected(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE payment_webhooks
		SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, models.WebhookStatusRejected, lastError, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark webhook rejected: %w", err)
	}
	return nil
}

// ListRetryableWebhooks returns failed webhooks still inside the retry budget.
func (s *PostgresStore) ListRetryableWebhooks(ctx context.Context, limit int) ([]*models.PaymentWebhook, error) {
	query := `
		SELECT id, webhook_reference, gateway_name, event_type, payload, status,
		       retry_count, last_error, created_at, updated_at
		FROM payment_webhooks
		WHERE status = $1 AND retry_count < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, models.WebhookStatusFailed, models.MaxWebhookRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*models.PaymentWebhook
	for rows.Next() {
		var w models.PaymentWebhook
		var payload []byte
		err := rows.Scan(
			&w.ID,
			&w.WebhookReference,
			&w.GatewayName,
			&w.EventType,
			&payload,
			&w.Status,
			&w.RetryCount,
			&w.LastError,
			&w.CreatedAt,
			&w.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		w.Payload = payload
		webhooks = append(webhooks, &w)
	}
	return webhooks, rows.Err()
}

// CreateDownloadLog persists a freshly issued download grant.
func (s *PostgresStore) CreateDownloadLog(ctx context.Context, dl *models.DownloadLog) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	now := time.Now()
	dl.CreatedAt = now
	dl.UpdatedAt = now
	dl.LastProgressAt = now

	query := `
		INSERT INTO download_logs (
			id, download_token, order_id, book_id, user_id, status,
			redemption_count, max_redemptions, bytes_downloaded, total_bytes,
			expires_at, last_progress_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecContext(ctx, query,
		dl.ID,
		dl.DownloadToken,
		dl.OrderID,
		dl.BookID,
		dl.UserID,
		dl.Status,
		dl.RedemptionCount,
		dl.MaxRedemptions,
		dl.BytesDownloaded,
		dl.TotalBytes,
		dl.ExpiresAt,
		dl.LastProgressAt,
		dl.CreatedAt,
		dl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create download log: %w", err)
	}
	return nil
}

// GetDownloadByToken retrieves a grant by its capability token
func (s *PostgresStore) GetDownloadByToken(ctx context.Context, token string) (*models.DownloadLog, error) {
	query := `
		SELECT id, download_token, order_id, book_id, user_id, status,
		       redemption_count, max_redemptions, bytes_downloaded, total_bytes,
		       expires_at, last_progress_at, created_at, updated_at
		FROM download_logs WHERE download_token = $1`

	var d models.DownloadLog
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&d.ID,
		&d.DownloadToken,
		&d.OrderID,
		&d.BookID,
		&d.UserID,
		&d.Status,
		&d.RedemptionCount,
		&d.MaxRedemptions,
		&d.BytesDownloaded,
		&d.TotalBytes,
		&d.ExpiresAt,
		&d.LastProgressAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get download log: %w", err)
	}
	return &d, nil
}

// BeginDownload consumes one redemption under the cap.
func (s *PostgresStore) BeginDownload(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE download_logs
		SET redemption_count = redemption_count + 1, status = $2,
		    last_progress_at = $3, updated_at = $3
		WHERE id = $1 AND redemption_count < max_redemptions AND expires_at > $3`

	res, err := s.db.ExecContext(ctx, query, id, models.DownloadStatusDownloading, now)
	if err != nil {
		return false, fmt.Errorf("failed to begin download: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read begin download result: %w", err)
	}
	return affected == 1, nil
}

// UpdateDownloadProgress records byte progress and status for a grant.
func (s *PostgresStore) UpdateDownloadProgress(ctx context.Context, id uuid.UUID, bytesDownloaded int64, status models.DownloadStatus) error {
	now := time.Now()
	query := `
		UPDATE download_logs
		SET bytes_downloaded = $2, status = $3, last_progress_at = $4, updated_at = $4
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, bytesDownloaded, status, now)
	if err != nil {
		return fmt.Errorf("failed to update download progress: %w", err)
	}
	return nil
}

// SweepStalledDownloads fails in-flight downloads with no recent progress.
func (s *PostgresStore) SweepStalledDownloads(ctx context.Context, stalledBefore time.Time) (int64, error) {
	query := `
		UPDATE download_logs
		SET status = $1, updated_at = $2
		WHERE status = $3 AND last_progress_at < $4`

	res, err := s.db.ExecContext(ctx, query, models.DownloadStatusFailed, time.Now(),
		models.DownloadStatusDownloading, stalledBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stalled downloads: %w", err)
	}
	return res.RowsAffected()
}

// ExpireDownloads writes through the read-time expiry fact for reporting.
func (s *PostgresStore) ExpireDownloads(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE download_logs
		SET status = $1, updated_at = $2
		WHERE status IN ($3, $4) AND expires_at < $2`

	res, err := s.db.ExecContext(ctx, query, models.DownloadStatusExpired, now,
		models.DownloadStatusInitiated, models.DownloadStatusDownloading)
	if err != nil {
		return 0, fmt.Errorf("failed to expire downloads: %w", err)
	}
	return res.RowsAffected()
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
