package repository

import (
	"context"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, acc *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByReferralCode(ctx context.Context, code string) (*models.Account, error)
	List(ctx context.Context, page Page) ([]models.Account, error)
}
