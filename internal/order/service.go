package order

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/catalog"
	"github.com/vasiliy-maslov/order-exchange/internal/metrics"
	"github.com/vasiliy-maslov/order-exchange/internal/notify"
	"github.com/vasiliy-maslov/order-exchange/internal/payment"
	"github.com/vasiliy-maslov/order-exchange/internal/salestax"
	"github.com/vasiliy-maslov/order-exchange/internal/totals"
)

// Catalog is the subset of the catalog service the orchestrator reads.
type Catalog interface {
	GetArtwork(ctx context.Context, id string) (*catalog.Artwork, error)
	GetCreditCard(ctx context.Context, id string) (*catalog.CreditCard, error)
	GetPartner(ctx context.Context, id string) (*catalog.Partner, error)
	GetMerchantAccount(ctx context.Context, partnerID string) (*catalog.MerchantAccount, error)
}

type Notifier interface {
	Notify(orderID uuid.UUID, kind notify.Kind, actorID string)
}

// TaxScheduler queues remittance of collected sales tax for an approved order.
type TaxScheduler interface {
	SchedulePostSalesTax(orderID uuid.UUID) error
}

type Service interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error)
	SetPayment(ctx context.Context, orderID uuid.UUID, creditCardID, actorID string) (*Order, error)
	SetShipping(ctx context.Context, orderID uuid.UUID, in ShippingInput, actorID string) (*Order, error)
	Submit(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error)
	Approve(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error)
	Fulfill(ctx context.Context, orderID uuid.UUID, in FulfillmentInput, actorID string) (*Order, error)
	Reject(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error)
	Abandon(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error)
	RecordSalesTax(ctx context.Context, orderID uuid.UUID) error
	RefundTax(ctx context.Context, lineItemID uuid.UUID, refundDate time.Time) error
	ExpireOrders(ctx context.Context, now time.Time) (int, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, filter Filter) ([]Order, error)
	OrderHistory(ctx context.Context, id uuid.UUID) ([]History, error)
}

type Settings struct {
	Currency    string
	Fees        totals.FeeSchedule
	Expirations Expirations
	SweepBatch  int
	Now         func() time.Time
}

func DefaultSettings() Settings {
	return Settings{
		Currency:    "usd",
		Fees:        totals.DefaultFeeSchedule,
		Expirations: DefaultExpirations,
		SweepBatch:  100,
		Now:         time.Now,
	}
}

type Dependencies struct {
	Repo      Repository
	Catalog   Catalog
	Gateway   payment.Gateway
	Taxes     *salestax.Engine
	Notifier  Notifier
	Scheduler TaxScheduler
}

type service struct {
	repo      Repository
	catalog   Catalog
	gateway   payment.Gateway
	taxes     *salestax.Engine
	notifier  Notifier
	scheduler TaxScheduler
	settings  Settings
}

func NewService(deps Dependencies, settings Settings) Service {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.SweepBatch <= 0 {
		settings.SweepBatch = 100
	}
	return &service{
		repo:      deps.Repo,
		catalog:   deps.Catalog,
		gateway:   deps.Gateway,
		taxes:     deps.Taxes,
		notifier:  deps.Notifier,
		scheduler: deps.Scheduler,
		settings:  settings,
	}
}

func (s *service) now() time.Time {
	return s.settings.Now().UTC()
}

type CreateOrderInput struct {
	BuyerID      string
	SellerID     string
	CurrencyCode string
	LineItems    []LineItemInput
}

type LineItemInput struct {
	ArtworkID       string
	EditionSetID    *string
	PriceCents      int64
	Quantity        int
	ArtworkSnapshot map[string]any
}

func (s *service) validateCreate(in CreateOrderInput) error {
	if !strings.EqualFold(in.CurrencyCode, s.settings.Currency) {
		return newValidationError(CodeUnsupportedCurrency, "currency %q is not supported", in.CurrencyCode)
	}
	if in.BuyerID == "" || in.SellerID == "" {
		return newValidationError(CodeInvalidOrder, "buyer and seller are required")
	}
	if len(in.LineItems) == 0 {
		return newValidationError(CodeInvalidOrder, "order must contain at least one line item")
	}
	for _, li := range in.LineItems {
		if li.ArtworkID == "" {
			return newValidationError(CodeInvalidLineItem, "line item artwork is required")
		}
		if li.Quantity <= 0 {
			return newValidationError(CodeInvalidLineItem, "line item quantity for artwork %s must be greater than zero", li.ArtworkID)
		}
		if li.PriceCents < 0 {
			return newValidationError(CodeInvalidLineItem, "line item price for artwork %s cannot be negative", li.ArtworkID)
		}
	}
	return nil
}

func (s *service) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if err := s.validateCreate(in); err != nil {
		log.Warn().Err(err).Str("buyer_id", in.BuyerID).Msg("service: rejected order creation")
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order code: %w", err)
	}

	now := s.now()
	o := &Order{
		Code:         code,
		BuyerID:      in.BuyerID,
		SellerID:     in.SellerID,
		CurrencyCode: strings.ToLower(in.CurrencyCode),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.setState(o, StatePending, now)
	for _, li := range in.LineItems {
		o.LineItems = append(o.LineItems, LineItem{
			ArtworkID:       li.ArtworkID,
			EditionSetID:    li.EditionSetID,
			PriceCents:      li.PriceCents,
			Quantity:        li.Quantity,
			ArtworkSnapshot: li.ArtworkSnapshot,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if err := o.recomputeTotals(s.settings.Fees); err != nil {
		return nil, fmt.Errorf("service: failed to compute totals: %w", err)
	}

	var abandoned []uuid.UUID
	err = s.repo.InTx(ctx, func(tx TxRepository) error {
		pendingIDs, err := tx.LockPendingOrderIDs(ctx, in.BuyerID)
		if err != nil {
			return err
		}
		for _, id := range pendingIDs {
			prev, err := tx.LockOrder(ctx, id)
			if err != nil {
				return err
			}
			if err := s.applyEvent(ctx, tx, prev, EventAbandon, in.BuyerID, nil); err != nil {
				return err
			}
			abandoned = append(abandoned, id)
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return s.writeHistory(ctx, tx, o, in.BuyerID, totalsChanges(o).with(changes{"state": string(o.State)}))
	})
	if err != nil {
		log.Error().Err(err).Str("buyer_id", in.BuyerID).Msg("service: failed to create order")
		return nil, wrapErr("create order", err)
	}

	for _, id := range abandoned {
		log.Info().Stringer("order_id", id).Str("buyer_id", in.BuyerID).Msg("service: abandoned previous pending order")
		s.notify(id, notify.KindAbandoned, in.BuyerID)
	}
	s.notify(o.ID, notify.KindCreated, in.BuyerID)
	log.Info().Stringer("order_id", o.ID).Str("buyer_id", o.BuyerID).Str("code", o.Code).Msg("service: order created")
	return o, nil
}

func (s *service) SetPayment(ctx context.Context, orderID uuid.UUID, creditCardID, actorID string) (*Order, error) {
	o, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State != StatePending {
		return nil, &StateGuardError{OrderID: o.ID, State: o.State, Reason: "cannot set payment info on non-pending orders"}
	}

	card, err := s.catalog.GetCreditCard(ctx, creditCardID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Str("credit_card_id", creditCardID).Msg("service: failed to fetch credit card")
		return nil, &DependencyError{Dependency: "catalog", Message: "cannot fetch credit card", Err: err}
	}
	if err := validateCreditCard(creditCardID, card); err != nil {
		log.Warn().Err(err).Stringer("order_id", orderID).Msg("service: rejected credit card")
		return nil, err
	}

	var updated *Order
	err = s.repo.InTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.State != StatePending {
			return &StateGuardError{OrderID: locked.ID, State: locked.State, Reason: "cannot set payment info on non-pending orders"}
		}

		locked.CreditCardID = card.ID
		if locked.CreditCardID == "" {
			locked.CreditCardID = creditCardID
		}
		locked.ExternalCreditCardID = card.ExternalID
		locked.ExternalCustomerID = card.CustomerAccount.ExternalID
		locked.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, locked); err != nil {
			return err
		}

		updated = locked
		return s.writeHistory(ctx, tx, locked, actorID, changes{
			"credit_card_id":          locked.CreditCardID,
			"external_credit_card_id": locked.ExternalCreditCardID,
			"external_customer_id":    locked.ExternalCustomerID,
		})
	})
	if err != nil {
		return nil, wrapErr("set payment", err)
	}

	log.Info().Stringer("order_id", orderID).Msg("service: payment info set")
	return updated, nil
}

func validateCreditCard(id string, card *catalog.CreditCard) error {
	switch {
	case card == nil:
		return newValidationError(CodeInvalidCreditCard, "credit card %s not found", id)
	case card.ExternalID == "":
		return newValidationError(CodeInvalidCreditCard, "credit card does not have external id")
	case card.CustomerAccount == nil || card.CustomerAccount.ExternalID == "":
		return newValidationError(CodeInvalidCreditCard, "credit card does not have customer")
	case card.Deactivated:
		return newValidationError(CodeInvalidCreditCard, "credit card is deactivated")
	}
	return nil
}

func (s *service) Submit(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error) {
	o, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkSubmittable(o); err != nil {
		log.Warn().Err(err).Stringer("order_id", orderID).Msg("service: order cannot be submitted")
		metrics.RecordTransition(string(EventSubmit), false)
		return nil, err
	}

	merchant, err := s.catalog.GetMerchantAccount(ctx, o.SellerID)
	if err != nil || merchant == nil || merchant.ExternalID == "" {
		log.Error().Err(err).Stringer("order_id", orderID).Str("seller_id", o.SellerID).Msg("service: failed to fetch merchant account")
		return nil, &DependencyError{Dependency: "catalog", Message: "cannot fetch merchant account", Err: err}
	}

	partner, err := s.catalog.GetPartner(ctx, o.SellerID)
	if err != nil || partner == nil {
		log.Error().Err(err).Stringer("order_id", orderID).Str("seller_id", o.SellerID).Msg("service: failed to fetch partner")
		return nil, &DependencyError{Dependency: "partner", Message: "Cannot fetch partner", Err: err}
	}
	if err := totals.ValidateCommissionRate(partner.EffectiveCommissionRate); err != nil {
		return nil, newValidationError(CodeInvalidCommissionRate, "%v", err)
	}

	var (
		updated *Order
		failed  *Transaction
	)
	err = s.repo.InTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := checkSubmittable(locked); err != nil {
			return err
		}

		locked.CommissionRate = partner.EffectiveCommissionRate
		if err := locked.recomputeTotals(s.settings.Fees); err != nil {
			return newValidationError(CodeInvalidCommissionRate, "%v", err)
		}

		// A recorded failure moves the next attempt onto a fresh key.
		failures, err := tx.CountFailedTransactions(ctx, locked.ID, payment.OpAuthorize)
		if err != nil {
			return err
		}
		params := payment.ChargeParams{
			SourceID:      locked.ExternalCreditCardID,
			CustomerID:    locked.ExternalCustomerID,
			DestinationID: merchant.ExternalID,
			AmountCents:   locked.BuyerTotalCents,
			Currency:      locked.CurrencyCode,
		}
		params.IdempotencyKey = payment.AuthorizeKey(locked.ID.String(), failures+1, params)
		charge, payErr := s.callGateway(payment.OpAuthorize, func() (*payment.Charge, error) {
			return s.gateway.Authorize(ctx, params)
		})
		if payErr != nil {
			failed = s.failedTransaction(locked, payment.OpAuthorize, params.SourceID, params.DestinationID, payErr)
			return &PaymentError{OrderID: locked.ID, Err: payErr}
		}

		locked.ExternalChargeID = charge.ID
		if err := tx.InsertTransaction(ctx, &Transaction{
			OrderID:       locked.ID,
			Operation:     payment.OpAuthorize,
			ExternalID:    charge.ID,
			SourceID:      params.SourceID,
			DestinationID: params.DestinationID,
			AmountCents:   charge.AmountCents,
			Status:        TransactionSuccess,
			CreatedAt:     s.now(),
		}); err != nil {
			return err
		}

		updated = locked
		return s.applyEvent(ctx, tx, locked, EventSubmit, actorID,
			totalsChanges(locked).with(changes{"external_charge_id": charge.ID}))
	})
	if failed != nil {
		s.recordFailedTransaction(ctx, failed)
	}
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to submit order")
		return nil, wrapErr("submit order", err)
	}

	s.notify(orderID, notify.KindSubmitted, actorID)
	log.Info().Stringer("order_id", orderID).Int64("buyer_total_cents", updated.BuyerTotalCents).Msg("service: order submitted")
	return updated, nil
}

func checkSubmittable(o *Order) error {
	if _, err := Next(o.State, EventSubmit); err != nil {
		return err
	}
	if !o.HasShippingInfo() {
		return &StateGuardError{OrderID: o.ID, State: o.State, Reason: "missing shipping info"}
	}
	if !o.HasPaymentInfo() {
		return &StateGuardError{OrderID: o.ID, State: o.State, Reason: "missing payment info"}
	}
	return nil
}

func (s *service) Approve(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error) {
	var (
		updated *Order
		failed  *Transaction
	)
	err := s.repo.InTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := Next(locked.State, EventApprove); err != nil {
			return err
		}

		failures, err := tx.CountFailedTransactions(ctx, locked.ID, payment.OpCapture)
		if err != nil {
			return err
		}
		key := payment.CaptureKey(locked.ID.String(), failures+1, locked.ExternalChargeID)
		charge, payErr := s.callGateway(payment.OpCapture, func() (*payment.Charge, error) {
			return s.gateway.Capture(ctx, locked.ExternalChargeID, key)
		})
		if payErr != nil {
			failed = s.failedTransaction(locked, payment.OpCapture, locked.ExternalCreditCardID, "", payErr)
			failed.ExternalID = locked.ExternalChargeID
			return &PaymentError{OrderID: locked.ID, Err: payErr}
		}

		now := s.now()
		if err := tx.InsertTransaction(ctx, &Transaction{
			OrderID:     locked.ID,
			Operation:   payment.OpCapture,
			ExternalID:  charge.ID,
			SourceID:    locked.ExternalCreditCardID,
			AmountCents: charge.AmountCents,
			Status:      TransactionSuccess,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		locked.ApprovedAt = &now
		updated = locked
		return s.applyEvent(ctx, tx, locked, EventApprove, actorID, changes{"approved_at": now})
	})
	if failed != nil {
		s.recordFailedTransaction(ctx, failed)
	}
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to approve order")
		return nil, wrapErr("approve order", err)
	}

	s.notify(orderID, notify.KindApproved, actorID)
	if s.scheduler != nil {
		if err := s.scheduler.SchedulePostSalesTax(orderID); err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to schedule sales tax posting")
		}
	}
	log.Info().Stringer("order_id", orderID).Msg("service: order approved")
	return updated, nil
}

type FulfillmentInput struct {
	Courier           string
	TrackingID        string
	EstimatedDelivery *time.Time
	// LineItemIDs defaults to every line item of the order when empty.
	LineItemIDs []uuid.UUID
}

func (s *service) Fulfill(ctx context.Context, orderID uuid.UUID, in FulfillmentInput, actorID string) (*Order, error) {
	if strings.TrimSpace(in.Courier) == "" {
		return nil, newValidationError(CodeInvalidFulfillment, "courier is required")
	}

	var updated *Order
	err := s.repo.InTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := Next(locked.State, EventFulfill); err != nil {
			return err
		}

		ids, err := fulfillmentLineItems(locked, in.LineItemIDs)
		if err != nil {
			return err
		}
		f := &Fulfillment{
			OrderID:           locked.ID,
			Courier:           in.Courier,
			TrackingID:        in.TrackingID,
			EstimatedDelivery: in.EstimatedDelivery,
			LineItemIDs:       ids,
			CreatedAt:         s.now(),
		}
		if err := tx.InsertFulfillment(ctx, f); err != nil {
			return err
		}

		updated = locked
		return s.applyEvent(ctx, tx, locked, EventFulfill, actorID, changes{"fulfillment_id": f.ID.String()})
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to fulfill order")
		return nil, wrapErr("fulfill order", err)
	}

	s.notify(orderID, notify.KindFulfilled, actorID)
	log.Info().Stringer("order_id", orderID).Msg("service: order fulfilled")
	return updated, nil
}

func fulfillmentLineItems(o *Order, requested []uuid.UUID) ([]uuid.UUID, error) {
	if len(requested) == 0 {
		ids := make([]uuid.UUID, 0, len(o.LineItems))
		for _, li := range o.LineItems {
			ids = append(ids, li.ID)
		}
		return ids, nil
	}

	seen := make(map[uuid.UUID]bool, len(requested))
	ids := make([]uuid.UUID, 0, len(requested))
	for _, id := range requested {
		if _, ok := o.LineItem(id); !ok {
			return nil, newValidationError(CodeInvalidFulfillment, "line item %s does not belong to order %s", id, o.ID)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *service) Reject(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error) {
	return s.simpleTransition(ctx, orderID, EventReject, notify.KindRejected, actorID)
}

func (s *service) Abandon(ctx context.Context, orderID uuid.UUID, actorID string) (*Order, error) {
	return s.simpleTransition(ctx, orderID, EventAbandon, notify.KindAbandoned, actorID)
}

func (s *service) simpleTransition(ctx context.Context, orderID uuid.UUID, ev Event, kind notify.Kind, actorID string) (*Order, error) {
	var updated *Order
	err := s.repo.InTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		updated = locked
		return s.applyEvent(ctx, tx, locked, ev, actorID, nil)
	})
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", orderID).Str("event", string(ev)).Msg("service: transition failed")
		return nil, wrapErr(string(ev)+" order", err)
	}

	s.notify(orderID, kind, actorID)
	log.Info().Stringer("order_id", orderID).Stringer("state", updated.State).Msg("service: order state changed")
	return updated, nil
}

// applyEvent moves o along the transition table, persists it and writes the
// history row for the change.
func (s *service) applyEvent(ctx context.Context, tx TxRepository, o *Order, ev Event, actorID string, changed changes) error {
	next, err := Next(o.State, ev)
	if err != nil {
		metrics.RecordTransition(string(ev), false)
		return err
	}
	s.setState(o, next, s.now())
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	if changed == nil {
		changed = changes{}
	}
	changed["state"] = string(next)
	if err := s.writeHistory(ctx, tx, o, actorID, changed); err != nil {
		return err
	}
	metrics.RecordTransition(string(ev), true)
	return nil
}

func (s *service) setState(o *Order, next State, now time.Time) {
	o.State = next
	o.StateUpdatedAt = now
	o.UpdatedAt = now
	o.StateExpiresAt = nil
	if ttl, ok := s.settings.Expirations.For(next); ok {
		expires := now.Add(ttl)
		o.StateExpiresAt = &expires
	}
}

func (s *service) RecordSalesTax(ctx context.Context, orderID uuid.UUID) error {
	o, err := s.getOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.State != StateApproved && o.State != StateFulfilled {
		return &StateGuardError{OrderID: o.ID, State: o.State, Reason: "sales tax is recorded only after approval"}
	}

	approvedAt := o.StateUpdatedAt
	if o.ApprovedAt != nil {
		approvedAt = *o.ApprovedAt
	}

	for _, li := range o.LineItems {
		if !li.ShouldRemitSalesTax || li.SalesTaxCents <= 0 {
			continue
		}
		calc, err := s.taxCalculation(ctx, o, li)
		if err != nil {
			return err
		}
		posted, err := calc.Record(ctx, li.SalesTaxCents, approvedAt)
		if err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Stringer("line_item_id", li.ID).Msg("service: failed to post sales tax")
			return &DependencyError{Dependency: "tax provider", Message: "cannot post sales tax transaction", Err: err}
		}
		log.Info().Stringer("order_id", orderID).Stringer("line_item_id", li.ID).Bool("posted", posted).Msg("service: sales tax recorded")
	}
	return nil
}

func (s *service) RefundTax(ctx context.Context, lineItemID uuid.UUID, refundDate time.Time) error {
	li, err := s.repo.GetLineItem(ctx, lineItemID)
	if err != nil {
		if errors.Is(err, ErrLineItemNotFound) {
			return err
		}
		return fmt.Errorf("service: failed to fetch line item %s: %w", lineItemID, err)
	}
	o, err := s.getOrder(ctx, li.OrderID)
	if err != nil {
		return err
	}
	if !o.HasShippingInfo() {
		log.Info().Stringer("line_item_id", lineItemID).Msg("service: order never had tax assigned, nothing to refund")
		return nil
	}

	calc, err := s.taxCalculation(ctx, o, *li)
	if err != nil {
		return err
	}
	refunded, err := calc.Refund(ctx, li.SalesTaxCents, refundDate)
	if err != nil {
		log.Error().Err(err).Stringer("line_item_id", lineItemID).Msg("service: failed to refund sales tax")
		return &DependencyError{Dependency: "tax provider", Message: "cannot refund sales tax transaction", Err: err}
	}
	log.Info().Stringer("order_id", o.ID).Stringer("line_item_id", lineItemID).Bool("refunded", refunded).Msg("service: sales tax refund processed")
	return nil
}

// ExpireOrders abandons pending orders whose state has lapsed.
func (s *service) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.repo.ListExpiredOrderIDs(ctx, StatePending, now, s.settings.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("service: failed to list expired orders: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if _, err := s.Abandon(ctx, id, SystemActor); err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				continue
			}
			log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to expire order")
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.getOrder(ctx, id)
}

func (s *service) getOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}

func (s *service) ListOrders(ctx context.Context, filter Filter) ([]Order, error) {
	orders, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("service: failed to list orders: %w", err)
	}
	return orders, nil
}

func (s *service) OrderHistory(ctx context.Context, id uuid.UUID) ([]History, error) {
	if _, err := s.getOrder(ctx, id); err != nil {
		return nil, err
	}
	history, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service: failed to fetch order history: %w", err)
	}
	return history, nil
}

func (s *service) callGateway(op string, call func() (*payment.Charge, error)) (*payment.Charge, *payment.Error) {
	start := time.Now()
	charge, err := call()
	metrics.ObserveGatewayCall(op, start, err == nil)
	if err == nil {
		return charge, nil
	}
	var payErr *payment.Error
	if !errors.As(err, &payErr) {
		payErr = &payment.Error{Op: op, Message: err.Error()}
	}
	return nil, payErr
}

func (s *service) failedTransaction(o *Order, op, sourceID, destinationID string, payErr *payment.Error) *Transaction {
	return &Transaction{
		OrderID:          o.ID,
		Operation:        op,
		SourceID:         sourceID,
		DestinationID:    destinationID,
		AmountCents:      o.BuyerTotalCents,
		Status:           TransactionFailure,
		FailureCode:      payErr.Code,
		FailureMessage:   payErr.Message,
		ProviderResponse: payErr.Body,
		CreatedAt:        s.now(),
	}
}

// recordFailedTransaction persists a gateway failure after its unit of work
// rolled back.
func (s *service) recordFailedTransaction(ctx context.Context, txn *Transaction) {
	if err := s.repo.InsertTransaction(ctx, txn); err != nil {
		log.Error().Err(err).Stringer("order_id", txn.OrderID).Str("operation", txn.Operation).Msg("service: failed to record failed transaction")
	}
}

func (s *service) notify(orderID uuid.UUID, kind notify.Kind, actorID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(orderID, kind, actorID)
}

func isDomainError(err error) bool {
	var (
		ve *ValidationError
		ge *StateGuardError
		te *TransitionError
		pe *PaymentError
		de *DependencyError
	)
	return errors.As(err, &ve) || errors.As(err, &ge) || errors.As(err, &te) ||
		errors.As(err, &pe) || errors.As(err, &de) ||
		errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrLineItemNotFound) ||
		errors.Is(err, ErrPendingOrderExists) || errors.Is(err, ErrLineItemAlreadyFulfilled)
}

func wrapErr(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	return fmt.Errorf("service: failed to %s: %w", op, err)
}

const codeDigits = 9

func generateCode() (string, error) {
	ten := big.NewInt(10)
	var b strings.Builder
	for i := 0; i < codeDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
