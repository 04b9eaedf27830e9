// Package credits provides a credit reservation ledger for Go applications
// that bill per operation.
//
// A billable operation first reserves credits from the caller's wallet, then
// runs, then either confirms the reservation (the credits are spent) or
// refunds it (the credits are released). Each step is one atomic store
// operation under the wallet lock, so concurrent operations on one wallet can
// never jointly spend more than its total. It provides:
//
//   - Wallets with total and reserved balances in integer hundredths
//   - The reserve, confirm and refund protocol with exactly-once settlement
//   - Task records correlating each attempt with its reservation
//   - A cost resolver with wildcard agent pricing and safe defaults
//   - A billing guard that wraps handlers with the whole lifecycle
//   - A reconciliation sweep that releases abandoned reservations
//   - Memory, PostgreSQL, SQLite and MongoDB stores
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/guard"
//	    "github.com/xraph/credits/pricing"
//	    "github.com/xraph/credits/store/postgres"
//	)
//
//	s, err := postgres.New(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	l := credits.New(s)
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
//	g := guard.New("WritingAgent", l, pricing.NewResolver(s))
//	g.Handle("summarize", summarize)
//
//	result := g.Execute(ctx, accountID, "summarize", map[string]any{"text": doc})
//
// # Reservation lifecycle
//
//	reserve/pending ──confirm──▶ deduct/confirmed   (total -= a, reserved -= a)
//	       │
//	       └────────refund───▶ reserve/refunded   (reserved -= a)
//
// Confirming or refunding a settled reservation returns
// ErrReservationNotPending. A confirm that finds balances unable to cover the
// reservation returns ErrReservationMismatch, which IsFatal reports as an
// invariant violation.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	wal_01h2xcejqtf2nbrexx3vqjhp41   // Wallet ID
//	txn_01h2xcejqtf2nbrexx3vqjhp41   // Transaction ID
//	task_01h455vb4pex5vsknk084sn02q  // Task ID
package credits
