package client

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cleargate/x402"
)

// RateLimits caps payment frequency and hourly spend.
type RateLimits struct {
	MaxPaymentsPerMinute int
	MaxAmountPerHour     string
}

// BudgetManager tracks spending and enforces per-payment, per-minute and
// per-hour limits before the transport pays for anything.
type BudgetManager struct {
	mu               sync.RWMutex
	maxPaymentAmount *big.Int
	rateLimits       *RateLimits

	payments        []paymentRecord
	hourlySpent     *big.Int
	hourlyResetTime time.Time
	minuteCount     int
	minuteResetTime time.Time
}

type paymentRecord struct {
	timestamp time.Time
	amount    *big.Int
	resource  string
}

// NewBudgetManager creates a budget manager. An empty maxPaymentAmount
// disables the per-payment cap; nil rateLimits disable rate checks.
func NewBudgetManager(maxPaymentAmount string, rateLimits *RateLimits) (*BudgetManager, error) {
	maxAmount := new(big.Int)
	if maxPaymentAmount != "" {
		if _, ok := maxAmount.SetString(maxPaymentAmount, 10); !ok {
			return nil, fmt.Errorf("%w: max payment amount %q", x402.ErrInvalidAmount, maxPaymentAmount)
		}
		if maxAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: max payment amount must be positive", x402.ErrInvalidAmount)
		}
	}

	if rateLimits != nil && rateLimits.MaxAmountPerHour != "" {
		hourlyMax := new(big.Int)
		if _, ok := hourlyMax.SetString(rateLimits.MaxAmountPerHour, 10); !ok {
			return nil, fmt.Errorf("%w: max hourly amount %q", x402.ErrInvalidAmount, rateLimits.MaxAmountPerHour)
		}
		if hourlyMax.Sign() <= 0 {
			return nil, fmt.Errorf("%w: max hourly amount must be positive", x402.ErrInvalidAmount)
		}
	}

	return &BudgetManager{
		maxPaymentAmount: maxAmount,
		rateLimits:       rateLimits,
		hourlySpent:      big.NewInt(0),
		hourlyResetTime:  time.Now().Add(time.Hour),
		minuteResetTime:  time.Now().Add(time.Minute),
		payments:         make([]paymentRecord, 0),
	}, nil
}

// CanSpend reports whether a payment fits within all configured limits.
func (bm *BudgetManager) CanSpend(amount *big.Int, resource string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()

	if bm.maxPaymentAmount != nil && bm.maxPaymentAmount.Sign() > 0 {
		if amount.Cmp(bm.maxPaymentAmount) > 0 {
			return x402.ErrAmountExceedsLimit
		}
	}

	if bm.rateLimits != nil {
		if !now.Before(bm.hourlyResetTime) {
			bm.hourlySpent = big.NewInt(0)
			bm.hourlyResetTime = now.Add(time.Hour)
		}
		if !now.Before(bm.minuteResetTime) {
			bm.minuteCount = 0
			bm.minuteResetTime = now.Add(time.Minute)
		}

		if bm.rateLimits.MaxPaymentsPerMinute > 0 && bm.minuteCount >= bm.rateLimits.MaxPaymentsPerMinute {
			return x402.ErrRateLimitExceeded
		}
		if bm.rateLimits.MaxAmountPerHour != "" {
			maxHourly, ok := new(big.Int).SetString(bm.rateLimits.MaxAmountPerHour, 10)
			if !ok {
				return fmt.Errorf("%w: max hourly amount %q", x402.ErrInvalidAmount, bm.rateLimits.MaxAmountPerHour)
			}
			newTotal := new(big.Int).Add(bm.hourlySpent, amount)
			if newTotal.Cmp(maxHourly) > 0 {
				return x402.ErrBudgetExceeded
			}
		}
	}

	return nil
}

// RecordPayment records a completed payment against the budget.
func (bm *BudgetManager) RecordPayment(amount *big.Int, resource string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()
	bm.payments = append(bm.payments, paymentRecord{
		timestamp: now,
		amount:    new(big.Int).Set(amount),
		resource:  resource,
	})

	if bm.rateLimits != nil {
		bm.minuteCount++
		bm.hourlySpent.Add(bm.hourlySpent, amount)
	}

	// Keep 24 hours of history.
	cutoff := now.Add(-24 * time.Hour)
	for i, p := range bm.payments {
		if p.timestamp.After(cutoff) {
			bm.payments = bm.payments[i:]
			break
		}
	}
}

// Metrics summarizes tracked spending.
type Metrics struct {
	TotalSpent   string
	HourlySpent  string
	PaymentCount int
	MinuteCount  int
}

// GetMetrics returns the current spending totals.
func (bm *BudgetManager) GetMetrics() Metrics {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	total := big.NewInt(0)
	for _, p := range bm.payments {
		total.Add(total, p.amount)
	}
	return Metrics{
		TotalSpent:   total.String(),
		HourlySpent:  bm.hourlySpent.String(),
		PaymentCount: len(bm.payments),
		MinuteCount:  bm.minuteCount,
	}
}
