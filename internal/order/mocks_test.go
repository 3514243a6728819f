package order_test

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
	"github.com/vasiliy-maslov/order-exchange/internal/catalog"
	"github.com/vasiliy-maslov/order-exchange/internal/notify"
	"github.com/vasiliy-maslov/order-exchange/internal/payment"
	"github.com/vasiliy-maslov/order-exchange/internal/salestax"
)

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) GetArtwork(ctx context.Context, id string) (*catalog.Artwork, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Artwork), args.Error(1)
}

func (m *MockCatalog) GetCreditCard(ctx context.Context, id string) (*catalog.CreditCard, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.CreditCard), args.Error(1)
}

func (m *MockCatalog) GetPartner(ctx context.Context, id string) (*catalog.Partner, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.Partner), args.Error(1)
}

func (m *MockCatalog) GetMerchantAccount(ctx context.Context, partnerID string) (*catalog.MerchantAccount, error) {
	args := m.Called(ctx, partnerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*catalog.MerchantAccount), args.Error(1)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Authorize(ctx context.Context, params payment.ChargeParams) (*payment.Charge, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Charge), args.Error(1)
}

func (m *MockGateway) Capture(ctx context.Context, chargeID, idempotencyKey string) (*payment.Charge, error) {
	args := m.Called(ctx, chargeID, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Charge), args.Error(1)
}

type MockTaxProvider struct {
	mock.Mock
}

func (m *MockTaxProvider) TaxForOrder(ctx context.Context, params salestax.TaxParams) (decimal.Decimal, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockTaxProvider) CreateOrderTransaction(ctx context.Context, params salestax.TransactionParams) error {
	return m.Called(ctx, params).Error(0)
}

func (m *MockTaxProvider) CreateRefundTransaction(ctx context.Context, params salestax.TransactionParams) error {
	return m.Called(ctx, params).Error(0)
}

func (m *MockTaxProvider) ShowOrderTransaction(ctx context.Context, id string) (*salestax.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*salestax.Transaction), args.Error(1)
}

func (m *MockTaxProvider) ShowRefundTransaction(ctx context.Context, id string) (*salestax.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*salestax.Transaction), args.Error(1)
}

type MockSellerLocator struct {
	mock.Mock
}

func (m *MockSellerLocator) SellerLocation(ctx context.Context, sellerID string) (address.Address, error) {
	args := m.Called(ctx, sellerID)
	return args.Get(0).(address.Address), args.Error(1)
}

type sentNotification struct {
	OrderID uuid.UUID
	Kind    notify.Kind
	ActorID string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(orderID uuid.UUID, kind notify.Kind, actorID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{OrderID: orderID, Kind: kind, ActorID: actorID})
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]notify.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

type recordingScheduler struct {
	mu     sync.Mutex
	orders []uuid.UUID
}

func (s *recordingScheduler) SchedulePostSalesTax(orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orderID)
	return nil
}
