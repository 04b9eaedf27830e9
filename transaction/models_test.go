package transaction

import (
	"errors"
	"testing"

	"github.com/xraph/credits/id"
)

func TestReservationLifecycle(t *testing.T) {
	taskID := id.NewTaskID()
	txn := NewReservation(id.NewWalletID(), 150, taskID, "WritingAgent")

	if !txn.IsPending() {
		t.Fatal("new reservation must be pending")
	}
	if txn.Reason() != ReasonReserve {
		t.Errorf("reason = %q, want %q", txn.Reason(), ReasonReserve)
	}
	if txn.TaskID.String() != taskID.String() {
		t.Error("task id not recorded")
	}

	if err := txn.MarkConfirmed(); err != nil {
		t.Fatalf("MarkConfirmed failed: %v", err)
	}
	if txn.Kind != KindDeduct || txn.Status != StatusConfirmed {
		t.Errorf("got %s/%s, want deduct/confirmed", txn.Kind, txn.Status)
	}
	if txn.Reason() != ReasonDeduct {
		t.Errorf("reason = %q, want %q", txn.Reason(), ReasonDeduct)
	}

	if err := txn.MarkConfirmed(); !errors.Is(err, ErrReservationNotPending) {
		t.Errorf("second confirm error = %v, want ErrReservationNotPending", err)
	}
	if err := txn.MarkRefunded(""); !errors.Is(err, ErrReservationNotPending) {
		t.Errorf("refund after confirm error = %v, want ErrReservationNotPending", err)
	}
}

func TestMarkRefunded(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"default reason", "", ReasonRefund},
		{"expired", ReasonExpired, ReasonExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := NewReservation(id.NewWalletID(), 100, id.Nil, "")
			if err := txn.MarkRefunded(tt.reason); err != nil {
				t.Fatalf("MarkRefunded failed: %v", err)
			}
			if txn.Kind != KindReserve || txn.Status != StatusRefunded {
				t.Errorf("got %s/%s, want reserve/refunded", txn.Kind, txn.Status)
			}
			if txn.Reason() != tt.want {
				t.Errorf("reason = %q, want %q", txn.Reason(), tt.want)
			}
			if err := txn.MarkConfirmed(); !errors.Is(err, ErrReservationNotPending) {
				t.Errorf("confirm after refund error = %v", err)
			}
		})
	}
}

func TestNewPurchase(t *testing.T) {
	meta := map[string]any{"order_id": "ord_1"}
	txn := NewPurchase(id.NewWalletID(), 5000, meta)

	if txn.Kind != KindPurchase || txn.Status != StatusConfirmed {
		t.Errorf("got %s/%s, want purchase/confirmed", txn.Kind, txn.Status)
	}
	if txn.Reason() != ReasonPurchase {
		t.Errorf("reason = %q", txn.Reason())
	}
	if txn.IsPending() {
		t.Error("purchase must not be pending")
	}
	if _, ok := meta[MetaReason]; ok {
		t.Error("caller metadata was mutated")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	txn := NewReservation(id.NewWalletID(), 100, id.Nil, "")
	c := txn.Snapshot()
	c.SetMeta("extra", 1)

	if _, ok := txn.Metadata["extra"]; ok {
		t.Error("snapshot shares metadata with original")
	}
}
