package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	pendingPerBuyerConstraint   = "orders_one_pending_per_buyer"
	lineItemFulfilledConstraint = "line_item_fulfillments_line_item_id_key"
)

// Repository reads orders and opens units of work. Everything that mutates
// an order goes through InTx.
type Repository interface {
	InTx(ctx context.Context, fn func(tx TxRepository) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, filter Filter) ([]Order, error)
	ListHistory(ctx context.Context, orderID uuid.UUID) ([]History, error)
	GetLineItem(ctx context.Context, id uuid.UUID) (*LineItem, error)
	ListExpiredOrderIDs(ctx context.Context, state State, now time.Time, limit int) ([]uuid.UUID, error)
	// InsertTransaction writes outside any unit of work so that failed gateway
	// calls stay on record after their unit rolled back.
	InsertTransaction(ctx context.Context, txn *Transaction) error
}

// TxRepository is the view of the store inside one unit of work.
type TxRepository interface {
	// LockOrder loads the order with its line items and holds a row lock on it
	// until the unit of work ends.
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	LockPendingOrderIDs(ctx context.Context, buyerID string) ([]uuid.UUID, error)
	InsertOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	UpdateLineItemTaxes(ctx context.Context, items []LineItem) error
	InsertHistory(ctx context.Context, h *History) error
	InsertTransaction(ctx context.Context, txn *Transaction) error
	// CountFailedTransactions counts recorded failures of one gateway
	// operation on an order.
	CountFailedTransactions(ctx context.Context, orderID uuid.UUID, operation string) (int, error)
	InsertFulfillment(ctx context.Context, f *Fulfillment) error
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

type postgresTx struct {
	tx pgx.Tx
}

func (r *postgresRepository) InTx(ctx context.Context, fn func(tx TxRepository) error) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("repository: panic recovered in unit of work, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			log.Error().Err(commitErr).Msg("repository: failed to commit transaction")
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	return fn(&postgresTx{tx: tx})
}

const orderColumns = `id, code, buyer_id, seller_id, currency_code, fulfillment_type,
	state, state_updated_at, state_expires_at, approved_at,
	items_total_cents, shipping_total_cents, tax_total_cents, buyer_total_cents,
	transaction_fee_cents, commission_rate, commission_fee_cents, seller_total_cents,
	credit_card_id, external_credit_card_id, external_customer_id, external_charge_id,
	shipping_name, shipping_address_line1, shipping_address_line2, shipping_city,
	shipping_region, shipping_country, shipping_postal_code, buyer_phone_number,
	created_at, updated_at`

const lineItemColumns = `id, order_id, artwork_id, edition_set_id, price_cents, quantity,
	artwork_snapshot, sales_tax_cents, should_remit_sales_tax, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Code, &o.BuyerID, &o.SellerID, &o.CurrencyCode, &o.FulfillmentType,
		&o.State, &o.StateUpdatedAt, &o.StateExpiresAt, &o.ApprovedAt,
		&o.ItemsTotalCents, &o.ShippingTotalCents, &o.TaxTotalCents, &o.BuyerTotalCents,
		&o.TransactionFeeCents, &o.CommissionRate, &o.CommissionFeeCents, &o.SellerTotalCents,
		&o.CreditCardID, &o.ExternalCreditCardID, &o.ExternalCustomerID, &o.ExternalChargeID,
		&o.ShippingName, &o.ShippingAddress.Line1, &o.ShippingAddress.Line2, &o.ShippingAddress.City,
		&o.ShippingAddress.Region, &o.ShippingAddress.Country, &o.ShippingAddress.PostalCode, &o.BuyerPhoneNumber,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	o.LineItems = make([]LineItem, 0)
	return &o, nil
}

func scanLineItem(row pgx.Row) (LineItem, error) {
	var li LineItem
	err := row.Scan(
		&li.ID, &li.OrderID, &li.ArtworkID, &li.EditionSetID, &li.PriceCents, &li.Quantity,
		&li.ArtworkSnapshot, &li.SalesTaxCents, &li.ShouldRemitSalesTax, &li.CreatedAt, &li.UpdatedAt,
	)
	return li, err
}

func getOrder(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM order_service.orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	o, err := scanOrder(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	items, err := loadLineItems(ctx, q, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	o.LineItems = append(o.LineItems, items[id]...)
	return o, nil
}

func loadLineItems(ctx context.Context, q querier, orderIDs []uuid.UUID) (map[uuid.UUID][]LineItem, error) {
	rows, err := q.Query(ctx,
		`SELECT `+lineItemColumns+` FROM order_service.line_items WHERE order_id = ANY($1) ORDER BY created_at, id`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query line items: %w", err)
	}
	defer rows.Close()

	byOrder := make(map[uuid.UUID][]LineItem, len(orderIDs))
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan line item: %w", err)
		}
		byOrder[li.OrderID] = append(byOrder[li.OrderID], li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating line items: %w", err)
	}
	return byOrder, nil
}

func (r *postgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return getOrder(ctx, r.db, id, false)
}

func (r *postgresRepository) ListOrders(ctx context.Context, filter Filter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.BuyerID != "" {
		args = append(args, filter.BuyerID)
		where = append(where, fmt.Sprintf("buyer_id = $%d", len(args)))
	}
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		where = append(where, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM order_service.orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []Order
		ids    []uuid.UUID
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		orders = append(orders, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders: %w", err)
	}
	if len(orders) == 0 {
		return []Order{}, nil
	}

	items, err := loadLineItems(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].LineItems = append(orders[i].LineItems, items[orders[i].ID]...)
	}
	return orders, nil
}

func (r *postgresRepository) ListHistory(ctx context.Context, orderID uuid.UUID) ([]History, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, modifier_id, changed_fields, created_at
		FROM order_service.order_histories
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query history for order %s: %w", orderID, err)
	}
	defer rows.Close()

	history := make([]History, 0)
	for rows.Next() {
		var h History
		if err := rows.Scan(&h.ID, &h.OrderID, &h.ModifierID, &h.ChangedFields, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan history row: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating history for order %s: %w", orderID, err)
	}
	return history, nil
}

func (r *postgresRepository) GetLineItem(ctx context.Context, id uuid.UUID) (*LineItem, error) {
	li, err := scanLineItem(r.db.QueryRow(ctx, `SELECT `+lineItemColumns+` FROM order_service.line_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLineItemNotFound
		}
		return nil, fmt.Errorf("repository: failed to select line item %s: %w", id, err)
	}
	return &li, nil
}

func (r *postgresRepository) ListExpiredOrderIDs(ctx context.Context, state State, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM order_service.orders
		WHERE state = $1 AND state_expires_at IS NOT NULL AND state_expires_at <= $2
		ORDER BY state_expires_at
		LIMIT $3
	`, string(state), now, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query expired orders: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("repository: failed to collect expired order ids: %w", err)
	}
	return ids, nil
}

func (r *postgresRepository) InsertTransaction(ctx context.Context, txn *Transaction) error {
	return insertTransaction(ctx, r.db, txn)
}

func (t *postgresTx) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *postgresTx) LockPendingOrderIDs(ctx context.Context, buyerID string) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id FROM order_service.orders WHERE buyer_id = $1 AND state = $2 FOR UPDATE`,
		buyerID, string(StatePending),
	)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to lock pending orders for buyer %s: %w", buyerID, err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("repository: failed to collect pending orders for buyer %s: %w", buyerID, err)
	}
	return ids, nil
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate order id: %w", err)
		}
		o.ID = id
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_service.orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32)
	`, orderArgs(o)...)
	if err != nil {
		return mapConstraintError(fmt.Errorf("repository: failed to insert order: %w", err))
	}

	for i := range o.LineItems {
		li := &o.LineItems[i]
		if li.ID == uuid.Nil {
			id, err := uuid.NewV4()
			if err != nil {
				return fmt.Errorf("repository: failed to generate line item id: %w", err)
			}
			li.ID = id
		}
		li.OrderID = o.ID

		_, err = t.tx.Exec(ctx, `
			INSERT INTO order_service.line_items (`+lineItemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, li.ID, li.OrderID, li.ArtworkID, li.EditionSetID, li.PriceCents, li.Quantity,
			li.ArtworkSnapshot, li.SalesTaxCents, li.ShouldRemitSalesTax, li.CreatedAt, li.UpdatedAt)
		if err != nil {
			return fmt.Errorf("repository: failed to insert line item for order %s: %w", o.ID, err)
		}
	}
	return nil
}

func orderArgs(o *Order) []any {
	return []any{
		o.ID, o.Code, o.BuyerID, o.SellerID, o.CurrencyCode, string(o.FulfillmentType),
		string(o.State), o.StateUpdatedAt, o.StateExpiresAt, o.ApprovedAt,
		o.ItemsTotalCents, o.ShippingTotalCents, o.TaxTotalCents, o.BuyerTotalCents,
		o.TransactionFeeCents, o.CommissionRate, o.CommissionFeeCents, o.SellerTotalCents,
		o.CreditCardID, o.ExternalCreditCardID, o.ExternalCustomerID, o.ExternalChargeID,
		o.ShippingName, o.ShippingAddress.Line1, o.ShippingAddress.Line2, o.ShippingAddress.City,
		o.ShippingAddress.Region, o.ShippingAddress.Country, o.ShippingAddress.PostalCode, o.BuyerPhoneNumber,
		o.CreatedAt, o.UpdatedAt,
	}
}

func (t *postgresTx) UpdateOrder(ctx context.Context, o *Order) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE order_service.orders SET
			code = $2, buyer_id = $3, seller_id = $4, currency_code = $5, fulfillment_type = $6,
			state = $7, state_updated_at = $8, state_expires_at = $9, approved_at = $10,
			items_total_cents = $11, shipping_total_cents = $12, tax_total_cents = $13, buyer_total_cents = $14,
			transaction_fee_cents = $15, commission_rate = $16, commission_fee_cents = $17, seller_total_cents = $18,
			credit_card_id = $19, external_credit_card_id = $20, external_customer_id = $21, external_charge_id = $22,
			shipping_name = $23, shipping_address_line1 = $24, shipping_address_line2 = $25, shipping_city = $26,
			shipping_region = $27, shipping_country = $28, shipping_postal_code = $29, buyer_phone_number = $30,
			created_at = $31, updated_at = $32
		WHERE id = $1
	`, orderArgs(o)...)
	if err != nil {
		return mapConstraintError(fmt.Errorf("repository: failed to update order %s: %w", o.ID, err))
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *postgresTx) UpdateLineItemTaxes(ctx context.Context, items []LineItem) error {
	batch := &pgx.Batch{}
	for _, li := range items {
		batch.Queue(`
			UPDATE order_service.line_items
			SET sales_tax_cents = $2, should_remit_sales_tax = $3, updated_at = $4
			WHERE id = $1
		`, li.ID, li.SalesTaxCents, li.ShouldRemitSalesTax, li.UpdatedAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("repository: failed to update line item taxes: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertHistory(ctx context.Context, h *History) error {
	if h.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate history id: %w", err)
		}
		h.ID = id
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_service.order_histories (id, order_id, modifier_id, changed_fields, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, h.ID, h.OrderID, h.ModifierID, h.ChangedFields, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert history for order %s: %w", h.OrderID, err)
	}
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	return insertTransaction(ctx, t.tx, txn)
}

func insertTransaction(ctx context.Context, q querier, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate transaction id: %w", err)
		}
		txn.ID = id
	}
	_, err := q.Exec(ctx, `
		INSERT INTO order_service.transactions (id, order_id, operation, external_id, source_id, destination_id,
			amount_cents, status, failure_code, failure_message, provider_response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, txn.ID, txn.OrderID, txn.Operation, txn.ExternalID, txn.SourceID, txn.DestinationID,
		txn.AmountCents, string(txn.Status), txn.FailureCode, txn.FailureMessage, txn.ProviderResponse, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert transaction for order %s: %w", txn.OrderID, err)
	}
	return nil
}

func (t *postgresTx) CountFailedTransactions(ctx context.Context, orderID uuid.UUID, operation string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM order_service.transactions
		WHERE order_id = $1 AND operation = $2 AND status = $3
	`, orderID, operation, string(TransactionFailure)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to count failed %s transactions for order %s: %w", operation, orderID, err)
	}
	return n, nil
}

func (t *postgresTx) InsertFulfillment(ctx context.Context, f *Fulfillment) error {
	if f.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate fulfillment id: %w", err)
		}
		f.ID = id
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO order_service.fulfillments (id, order_id, courier, tracking_id, estimated_delivery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, f.ID, f.OrderID, f.Courier, f.TrackingID, f.EstimatedDelivery, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert fulfillment for order %s: %w", f.OrderID, err)
	}

	for _, lineItemID := range f.LineItemIDs {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO order_service.line_item_fulfillments (fulfillment_id, line_item_id, created_at)
			VALUES ($1, $2, $3)
		`, f.ID, lineItemID, f.CreatedAt)
		if err != nil {
			return mapConstraintError(fmt.Errorf("repository: failed to link line item %s: %w", lineItemID, err))
		}
	}
	return nil
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case pendingPerBuyerConstraint:
		return ErrPendingOrderExists
	case lineItemFulfilledConstraint:
		return ErrLineItemAlreadyFulfilled
	}
	return err
}
