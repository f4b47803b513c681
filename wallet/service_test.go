package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRequestPayout_RejectsNonPositiveAmounts(t *testing.T) {
	svc := NewService(nil, nil)

	if _, err := svc.RequestPayout(context.Background(), "merch-1", decimal.Zero); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := svc.RequestPayout(context.Background(), "merch-1", decimal.RequireFromString("-5.00")); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
