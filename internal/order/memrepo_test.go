package order_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
)

// memRepository is an in-memory order.Repository. A unit of work runs on a
// copy of the store and replaces it only when fn succeeds, so a failed unit
// leaves nothing behind.
type memRepository struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	orders       map[uuid.UUID]order.Order
	history      []order.History
	transactions []order.Transaction
	fulfillments []order.Fulfillment
	fulfilled    map[uuid.UUID]uuid.UUID
}

func newMemRepository() *memRepository {
	return &memRepository{state: memState{
		orders:    map[uuid.UUID]order.Order{},
		fulfilled: map[uuid.UUID]uuid.UUID{},
	}}
}

func cloneOrder(o order.Order) order.Order {
	o.LineItems = append([]order.LineItem(nil), o.LineItems...)
	return o
}

func (s memState) clone() memState {
	c := memState{
		orders:       make(map[uuid.UUID]order.Order, len(s.orders)),
		history:      append([]order.History(nil), s.history...),
		transactions: append([]order.Transaction(nil), s.transactions...),
		fulfillments: append([]order.Fulfillment(nil), s.fulfillments...),
		fulfilled:    make(map[uuid.UUID]uuid.UUID, len(s.fulfilled)),
	}
	for id, o := range s.orders {
		c.orders[id] = cloneOrder(o)
	}
	for li, f := range s.fulfilled {
		c.fulfilled[li] = f
	}
	return c
}

func (r *memRepository) InTx(ctx context.Context, fn func(tx order.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	work := &memTx{state: r.state.clone()}
	if err := fn(work); err != nil {
		return err
	}
	r.state = work.state
	return nil
}

func (r *memRepository) GetOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.state.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (r *memRepository) ListOrders(ctx context.Context, filter order.Filter) ([]order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []order.Order
	for _, o := range r.state.orders {
		if filter.BuyerID != "" && o.BuyerID != filter.BuyerID {
			continue
		}
		if filter.SellerID != "" && o.SellerID != filter.SellerID {
			continue
		}
		if filter.State != "" && o.State != filter.State {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepository) ListHistory(ctx context.Context, orderID uuid.UUID) ([]order.History, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []order.History
	for _, h := range r.state.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memRepository) GetLineItem(ctx context.Context, id uuid.UUID) (*order.LineItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range r.state.orders {
		for _, li := range o.LineItems {
			if li.ID == id {
				return &li, nil
			}
		}
	}
	return nil, order.ErrLineItemNotFound
}

func (r *memRepository) ListExpiredOrderIDs(ctx context.Context, state order.State, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for id, o := range r.state.orders {
		if o.State == state && o.StateExpiresAt != nil && !o.StateExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memRepository) InsertTransaction(ctx context.Context, txn *order.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	appendTransaction(&r.state, txn)
	return nil
}

func (r *memRepository) stored(id uuid.UUID) order.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOrder(r.state.orders[id])
}

func (r *memRepository) transactionsFor(id uuid.UUID) []order.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []order.Transaction
	for _, txn := range r.state.transactions {
		if txn.OrderID == id {
			out = append(out, txn)
		}
	}
	return out
}

func (r *memRepository) historyFor(id uuid.UUID) []order.History {
	h, _ := r.ListHistory(context.Background(), id)
	return h
}

type memTx struct {
	state memState
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (t *memTx) LockPendingOrderIDs(ctx context.Context, buyerID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, o := range t.state.orders {
		if o.BuyerID == buyerID && o.State == order.StatePending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *order.Order) error {
	if o.State == order.StatePending {
		for _, existing := range t.state.orders {
			if existing.BuyerID == o.BuyerID && existing.State == order.StatePending {
				return order.ErrPendingOrderExists
			}
		}
	}
	if o.ID == uuid.Nil {
		o.ID = newID()
	}
	for i := range o.LineItems {
		if o.LineItems[i].ID == uuid.Nil {
			o.LineItems[i].ID = newID()
		}
		o.LineItems[i].OrderID = o.ID
	}
	t.state.orders[o.ID] = cloneOrder(*o)
	return nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *order.Order) error {
	existing, ok := t.state.orders[o.ID]
	if !ok {
		return order.ErrOrderNotFound
	}
	updated := cloneOrder(*o)
	updated.LineItems = existing.LineItems
	t.state.orders[o.ID] = updated
	return nil
}

func (t *memTx) UpdateLineItemTaxes(ctx context.Context, items []order.LineItem) error {
	for _, item := range items {
		o, ok := t.state.orders[item.OrderID]
		if !ok {
			return order.ErrLineItemNotFound
		}
		for i := range o.LineItems {
			if o.LineItems[i].ID == item.ID {
				o.LineItems[i].SalesTaxCents = item.SalesTaxCents
				o.LineItems[i].ShouldRemitSalesTax = item.ShouldRemitSalesTax
				o.LineItems[i].UpdatedAt = item.UpdatedAt
			}
		}
		t.state.orders[o.ID] = o
	}
	return nil
}

func (t *memTx) InsertHistory(ctx context.Context, h *order.History) error {
	if h.ID == uuid.Nil {
		h.ID = newID()
	}
	t.state.history = append(t.state.history, *h)
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *order.Transaction) error {
	appendTransaction(&t.state, txn)
	return nil
}

func (t *memTx) CountFailedTransactions(ctx context.Context, orderID uuid.UUID, operation string) (int, error) {
	n := 0
	for _, txn := range t.state.transactions {
		if txn.OrderID == orderID && txn.Operation == operation && txn.Status == order.TransactionFailure {
			n++
		}
	}
	return n, nil
}

func appendTransaction(into *memState, txn *order.Transaction) {
	if txn.ID == uuid.Nil {
		txn.ID = newID()
	}
	into.transactions = append(into.transactions, *txn)
}

func (t *memTx) InsertFulfillment(ctx context.Context, f *order.Fulfillment) error {
	for _, li := range f.LineItemIDs {
		if _, taken := t.state.fulfilled[li]; taken {
			return order.ErrLineItemAlreadyFulfilled
		}
	}
	if f.ID == uuid.Nil {
		f.ID = newID()
	}
	for _, li := range f.LineItemIDs {
		t.state.fulfilled[li] = f.ID
	}
	t.state.fulfillments = append(t.state.fulfillments, *f)
	return nil
}

var (
	_ order.Repository   = (*memRepository)(nil)
	_ order.TxRepository = (*memTx)(nil)
)
