package market

import (
	"context"
	"time"
)

// StatusCode enumerates the market session states the cache reacts to.
type StatusCode string

const (
	StatusTrading   StatusCode = "TRADING"
	StatusPreMarket StatusCode = "PRE_MARKET"
	StatusClosed    StatusCode = "CLOSED"
	StatusHoliday   StatusCode = "HOLIDAY"
)

// Status describes the current session of one market.
type Status struct {
	Status          StatusCode `json:"status"`
	IsOpen          bool       `json:"isOpen"`
	IsHoliday       bool       `json:"isHoliday"`
	Timezone        string     `json:"timezone"`
	NextStateChange *time.Time `json:"nextStateChange,omitempty"`
}

// Provider answers market status queries. Implementations must be safe for
// concurrent callers; the orchestrator treats results as read-only.
type Provider interface {
	GetMarketStatus(ctx context.Context, marketCode string) (*Status, error)
}

// Static always returns the same status. Useful for tests and for markets
// without a session schedule.
type Static struct {
	Current Status
}

// GetMarketStatus implements Provider.
func (s *Static) GetMarketStatus(_ context.Context, _ string) (*Status, error) {
	st := s.Current
	return &st, nil
}
