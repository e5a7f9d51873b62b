package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/store"
)

// QuotaStatus is the lifetime chat allowance as shown to clients. ResetTime is
// always null: the allowance never resets on its own.
type QuotaStatus struct {
	Used      int        `json:"used"`
	Remaining int        `json:"remaining"`
	Total     int        `json:"total"`
	ResetTime *time.Time `json:"resetTime"`
}

func newQuotaStatus(used, total int) QuotaStatus {
	used = min(max(used, 0), total)
	return QuotaStatus{Used: used, Remaining: total - used, Total: total}
}

type QuotaGuard struct {
	db    *store.SQLiteStore
	total int
}

func NewQuotaGuard(db *store.SQLiteStore, total int) *QuotaGuard {
	return &QuotaGuard{db: db, total: total}
}

func (q *QuotaGuard) Total() int { return q.total }

// CheckAndConsume takes one chat turn from the user's allowance. When the
// allowance is used up it returns the full status with apierr.ErrQuotaExceeded.
// A consumed turn is never refunded.
func (q *QuotaGuard) CheckAndConsume(ctx context.Context, userID int64) (QuotaStatus, error) {
	if userID == 0 {
		return QuotaStatus{}, apierr.ErrUnauthenticated
	}
	used, err := q.db.ConsumeChatTurn(ctx, userID, q.total)
	switch {
	case errors.Is(err, apierr.ErrQuotaExceeded):
		return newQuotaStatus(used, q.total), err
	case err != nil:
		return QuotaStatus{}, fmt.Errorf("consume chat turn: %w", err)
	}
	return newQuotaStatus(used, q.total), nil
}

// Snapshot reads the current status without side effects. Unknown users get a
// full allowance.
func (q *QuotaGuard) Snapshot(ctx context.Context, userID int64) (QuotaStatus, error) {
	used, found, err := q.db.GetChatUsed(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	if !found {
		return newQuotaStatus(0, q.total), nil
	}
	return newQuotaStatus(used, q.total), nil
}
