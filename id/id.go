// Package id provides the identifiers stored by the credit ledger.
//
// An ID renders as "wal_01h...", "txn_01h..." or "task_01h...": a short
// prefix naming the record kind followed by a UUIDv7 suffix, so ids sort by
// creation time. The zero ID is Nil and marshals to an empty string, which is
// how transactions without a task are stored.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the kind of record an ID belongs to.
type Prefix string

const (
	PrefixWallet      Prefix = "wal"
	PrefixTransaction Prefix = "txn"
	PrefixTask        Prefix = "task"
)

// ID identifies a wallet, transaction or task.
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID.
var Nil ID

// WalletID, TransactionID and TaskID document which prefix a field holds.
type (
	WalletID      = ID
	TransactionID = ID
	TaskID        = ID
)

// New returns a fresh ID. An invalid prefix is a programming error and
// panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewWalletID() ID      { return New(PrefixWallet) }
func NewTransactionID() ID { return New(PrefixTransaction) }
func NewTaskID() ID        { return New(PrefixTask) }

// Parse reads an ID of any kind.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix reads an ID and rejects it unless it has the given prefix.
// Stores use it so a wallet id can never be loaded into a task column.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != want {
		return Nil, fmt.Errorf("id: %q is not a %s id", s, want)
	}
	return parsed, nil
}

func ParseWalletID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixWallet) }
func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }
func ParseTaskID(s string) (ID, error)        { return ParseWithPrefix(s, PrefixTask) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the kind of record, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

func (i ID) IsNil() bool { return !i.valid }

func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText accepts any prefix. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
