package repository

import (
	"context"
	"time"

	"github.com/storm-beyndtech/instantglobal-server/internal/models"
)

// TransactionFilter narrows ListByAccount results. Zero values are ignored.
type TransactionFilter struct {
	Type   models.TransactionType
	Status models.TransactionStatus
	From   time.Time
	To     time.Time
}

type Page struct {
	Limit  int
	Offset int
}

// StatusFields are the optional columns written together with a guarded
// status update. Nil pointers leave the column untouched.
type StatusFields struct {
	ProviderID  *string
	TxHash      *string
	ErrorReason *string
	IncAttempts bool
	ProcessedAt *time.Time
	LastAttempt *time.Time
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Transaction, error)
	ListByAccount(ctx context.Context, accountID int64, filter TransactionFilter, page Page) ([]models.Transaction, error)
	// UpdateStatus applies a conditional update: the row changes only if its
	// stored status still equals expected. A miss reports ErrConflict so a
	// concurrent actor's win is surfaced instead of double-applied.
	UpdateStatus(ctx context.Context, id int64, expected, next models.TransactionStatus, fields StatusFields) error
	// AppendProviderRefs records external settlement references without
	// touching the status; this is the only mutation allowed on a terminal
	// record.
	AppendProviderRefs(ctx context.Context, id int64, providerID, txHash string) error
	HasPendingOfType(ctx context.Context, accountID int64, txType models.TransactionType) (bool, error)
	ListMatured(ctx context.Context, now time.Time) ([]models.Transaction, error)
	// ListInFlight returns withdrawals sitting in processing with a provider
	// reference attached, awaiting a settlement answer from the provider.
	ListInFlight(ctx context.Context) ([]models.Transaction, error)
}
