package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
)

var ErrNotAttached = errors.New("jobs: scheduler has no tax service attached")

// TaxService is the part of the order service tax jobs drive.
type TaxService interface {
	RecordSalesTax(ctx context.Context, orderID uuid.UUID) error
	RefundTax(ctx context.Context, lineItemID uuid.UUID, refundDate time.Time) error
}

// PostSalesTaxJob remits the tax collected on an approved order.
type PostSalesTaxJob struct {
	Service TaxService
	OrderID uuid.UUID
}

func (j *PostSalesTaxJob) Name() string { return "post_sales_tax" }

func (j *PostSalesTaxJob) Run(ctx context.Context) error {
	return classify(j.Service.RecordSalesTax(ctx, j.OrderID))
}

// PostSalesTaxRefundJob reverses the remitted tax of one line item.
type PostSalesTaxRefundJob struct {
	Service    TaxService
	LineItemID uuid.UUID
	RefundDate time.Time
}

func (j *PostSalesTaxRefundJob) Name() string { return "post_sales_tax_refund" }

func (j *PostSalesTaxRefundJob) Run(ctx context.Context) error {
	return classify(j.Service.RefundTax(ctx, j.LineItemID, j.RefundDate))
}

// classify stops retries for failures another attempt cannot fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		guard *order.StateGuardError
		ve    *order.ValidationError
	)
	if errors.Is(err, order.ErrOrderNotFound) || errors.Is(err, order.ErrLineItemNotFound) ||
		errors.As(err, &guard) || errors.As(err, &ve) {
		return Permanent(err)
	}
	return err
}

// Scheduler queues tax jobs on a Runner. The order service is attached after
// construction because it needs the scheduler itself.
type Scheduler struct {
	runner *Runner

	mu  sync.RWMutex
	svc TaxService
}

func NewScheduler(runner *Runner) *Scheduler {
	return &Scheduler{runner: runner}
}

func (s *Scheduler) Attach(svc TaxService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.svc = svc
}

func (s *Scheduler) service() (TaxService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.svc == nil {
		return nil, ErrNotAttached
	}
	return s.svc, nil
}

func (s *Scheduler) SchedulePostSalesTax(orderID uuid.UUID) error {
	svc, err := s.service()
	if err != nil {
		return err
	}
	if err := s.runner.Enqueue(&PostSalesTaxJob{Service: svc, OrderID: orderID}); err != nil {
		return fmt.Errorf("jobs: failed to schedule sales tax for order %s: %w", orderID, err)
	}
	return nil
}

func (s *Scheduler) ScheduleSalesTaxRefund(lineItemID uuid.UUID, refundDate time.Time) error {
	svc, err := s.service()
	if err != nil {
		return err
	}
	job := &PostSalesTaxRefundJob{Service: svc, LineItemID: lineItemID, RefundDate: refundDate}
	if err := s.runner.Enqueue(job); err != nil {
		return fmt.Errorf("jobs: failed to schedule tax refund for line item %s: %w", lineItemID, err)
	}
	return nil
}
