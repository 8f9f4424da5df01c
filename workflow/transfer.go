package workflow

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/models"
	"gorm.io/gorm"
)

// CurrencyTransferer is the external value-transfer facility. The engine
// calls it to move payment currency; it must report success or failure
// within the bounded context. A failure (or timeout) surfaces to the caller
// as TransferFailedError and rolls back the enclosing posting transaction,
// so settlement and refund stay all-or-nothing.
type CurrencyTransferer interface {
	Transfer(ctx context.Context, from string, to string, amount decimal.Decimal, referenceType string, packageId int) error
}

// LedgerTransferer is the default rail: the internal custody ledger. It
// participates in the caller's gorm transaction, so its movements commit or
// roll back together with the protocol state.
type LedgerTransferer struct {
	Tx *gorm.DB
}

func (t *LedgerTransferer) Transfer(ctx context.Context, from string, to string, amount decimal.Decimal, referenceType string, packageId int) error {
	if err := ctx.Err(); err != nil {
		return &models.TransferFailedError{To: to, Amount: amount, Cause: err}
	}
	if err := models.MoveFunds(t.Tx.WithContext(ctx), from, to, amount, referenceType, packageId); err != nil {
		return &models.TransferFailedError{To: to, Amount: amount, Cause: err}
	}
	return nil
}

// transferTimeout bounds the only suspend point of the protocol (the
// external value transfer during settle/refund/servicing).
func transferTimeout() time.Duration {
	v := strings.TrimSpace(os.Getenv("TRANSFER_TIMEOUT_SECONDS"))
	if v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 15 * time.Second
}

// transferWithTimeout wraps one transfer call in the bounded-wait contract.
func transferWithTimeout(ctx context.Context, transferer CurrencyTransferer, from string, to string, amount decimal.Decimal, referenceType string, packageId int) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout())
	defer cancel()
	return transferer.Transfer(ctx, from, to, amount, referenceType, packageId)
}
