package wallet

import (
	"errors"
	"testing"

	"github.com/xraph/credits/types"
)

func newWallet(total, reserved types.Credits) *Wallet {
	w := New("acct_1")
	w.Total = total
	w.Reserved = reserved
	return w
}

func TestReserve(t *testing.T) {
	tests := []struct {
		name         string
		total        types.Credits
		reserved     types.Credits
		amount       types.Credits
		wantErr      error
		wantReserved types.Credits
	}{
		{"fits", 1000, 0, 250, nil, 250},
		{"exactly available", 1000, 400, 600, nil, 1000},
		{"zero amount", 0, 0, 0, nil, 0},
		{"over available", 1000, 400, 601, ErrInsufficientCredits, 400},
		{"empty wallet", 0, 0, 1, ErrInsufficientCredits, 0},
		{"negative", 1000, 0, -1, ErrInvalidAmount, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWallet(tt.total, tt.reserved)
			err := w.Reserve(tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Reserve(%s) error = %v, want %v", tt.amount, err, tt.wantErr)
			}
			if w.Reserved != tt.wantReserved {
				t.Errorf("Reserved = %s, want %s", w.Reserved, tt.wantReserved)
			}
			if w.Total != tt.total {
				t.Errorf("Total changed: %s, want %s", w.Total, tt.total)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name      string
		total     types.Credits
		reserved  types.Credits
		amount    types.Credits
		wantErr   error
		wantTotal types.Credits
		wantRes   types.Credits
	}{
		{"settles", 1000, 300, 300, nil, 700, 0},
		{"partial reserved", 1000, 500, 200, nil, 800, 300},
		{"reserved too low", 1000, 100, 200, ErrReservationMismatch, 1000, 100},
		{"total too low", 100, 100, 200, ErrReservationMismatch, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWallet(tt.total, tt.reserved)
			err := w.Confirm(tt.amount)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Confirm(%s) error = %v, want %v", tt.amount, err, tt.wantErr)
			}
			if w.Total != tt.wantTotal || w.Reserved != tt.wantRes {
				t.Errorf("balances = %s/%s, want %s/%s", w.Total, w.Reserved, tt.wantTotal, tt.wantRes)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	w := newWallet(1000, 300)
	if clamped := w.Release(100); clamped {
		t.Error("unexpected clamp")
	}
	if w.Reserved != 200 {
		t.Errorf("Reserved = %s, want 2.00", w.Reserved)
	}

	if clamped := w.Release(500); !clamped {
		t.Error("expected clamp")
	}
	if w.Reserved != 0 {
		t.Errorf("Reserved = %s, want 0", w.Reserved)
	}
	if w.Total != 1000 {
		t.Errorf("Total changed: %s", w.Total)
	}
}

func TestDeposit(t *testing.T) {
	w := newWallet(0, 0)
	if err := w.Deposit(500); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if w.Total != 500 {
		t.Errorf("Total = %s, want 5.00", w.Total)
	}
	for _, bad := range []types.Credits{0, -1} {
		if err := w.Deposit(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deposit(%s) error = %v, want ErrInvalidAmount", bad, err)
		}
	}
}

func TestAvailableAndValidate(t *testing.T) {
	w := newWallet(1000, 250)
	if w.Available() != 750 {
		t.Errorf("Available = %s, want 7.50", w.Available())
	}
	if err := w.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	broken := newWallet(100, 200)
	if broken.Available() != 0 {
		t.Errorf("Available must never be negative, got %s", broken.Available())
	}
	if err := broken.Validate(); err == nil {
		t.Error("expected invariant violation")
	}
}
