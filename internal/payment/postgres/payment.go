package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/listing-payment/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/listing-payment/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, p *payment.Payment) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PaymentRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *PaymentRepository) FindByTxRefDigest(ctx context.Context, digest string) ([]*payment.Payment, error) {
	if digest == "" {
		return nil, nil
	}

	var payments []*payment.Payment
	err := r.db.WithContext(ctx).
		Where("gateway_tx_ref_digest = ?", digest).
		Order("created_at").
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListLegacyPending(ctx context.Context, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	q := r.db.WithContext(ctx).
		Where("status = ?", payment.StatusPending).
		Where("(gateway_tx_ref_digest IS NULL OR gateway_tx_ref_digest = '')").
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*payment.Payment, error) {
	var payments []*payment.Payment
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", payment.StatusPending, cutoff).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}

// TransitionStatus is a single conditional UPDATE; the row lock it takes is
// what serializes racing webhooks, returns and sweeps.
func (r *PaymentRepository) TransitionStatus(ctx context.Context, id uuid.UUID, to payment.Status) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("cannot transition payment to %q", to)
	}

	res := r.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where("id = ? AND status = ?", id, payment.StatusPending).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentRepository) MarkInitialized(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where("id = ? AND initialized_at IS NULL", id).
		Updates(map[string]interface{}{
			"initialized_at": at.UTC(),
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (r *PaymentRepository) Discard(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, payment.StatusPending).
		Delete(&payment.Payment{}).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paymentpkg.ErrNotFound
	}
	return err
}
