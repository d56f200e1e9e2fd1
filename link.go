package nvdb

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// LinkState is the hydration state of a relational reference.
type LinkState uint8

const (
	// LinkDehydrated holds only the foreign key. Always safe to store.
	LinkDehydrated LinkState = iota
	// LinkOwned holds the key plus a fully owned copy of the target with
	// independent lifetime. Safe to store.
	LinkOwned
	// LinkHydrated holds the key plus a value scoped to the transaction
	// that resolved it.
	LinkHydrated
	// LinkBorrowed is like LinkHydrated for values sourced from a storage
	// access guard (scans, lookups) rather than a point load.
	LinkBorrowed
)

func (s LinkState) String() string {
	switch s {
	case LinkDehydrated:
		return "dehydrated"
	case LinkOwned:
		return "owned"
	case LinkHydrated:
		return "hydrated"
	case LinkBorrowed:
		return "borrowed"
	default:
		return fmt.Sprintf("LinkState(%d)", uint8(s))
	}
}

// Link is a typed relational reference to another model's row in one of
// four hydration states. The persisted form is always just the key:
// hydrated and borrowed links refuse to encode and must be dehydrated
// first. Hydrated and borrowed values are valid only within the
// transaction that produced them; Value re-checks that at use time.
type Link[K comparable, Row any] struct {
	state LinkState
	key   K
	value *Row
	txid  uint64
}

// DehydratedLink references a target by key only.
func DehydratedLink[K comparable, Row any](key K) Link[K, Row] {
	return Link[K, Row]{state: LinkDehydrated, key: key}
}

// OwnedLink carries a fully owned copy of the target.
func OwnedLink[K comparable, Row any](key K, value *Row) Link[K, Row] {
	return Link[K, Row]{state: LinkOwned, key: key, value: value}
}

// HydratedLink carries a value scoped to tx's lifetime.
func HydratedLink[K comparable, Row any](txh Txish, key K, value *Row) Link[K, Row] {
	return Link[K, Row]{state: LinkHydrated, key: key, value: value, txid: txh.DBTx().id}
}

// BorrowedLink carries a guard-sourced value scoped to tx's lifetime.
func BorrowedLink[K comparable, Row any](txh Txish, key K, value *Row) Link[K, Row] {
	return Link[K, Row]{state: LinkBorrowed, key: key, value: value, txid: txh.DBTx().id}
}

func (l Link[K, Row]) State() LinkState {
	return l.state
}

// Key returns the foreign key, known in every state.
func (l Link[K, Row]) Key() K {
	return l.key
}

// Dehydrate drops any cached value, leaving only the key. It never fails;
// this is the required step before storing a hydrated link beyond its
// transaction.
func (l Link[K, Row]) Dehydrate() Link[K, Row] {
	return Link[K, Row]{state: LinkDehydrated, key: l.key}
}

// Value returns the cached target. Dehydrated links return (nil, nil).
// Hydrated and borrowed links fail with ErrStaleLink outside the
// transaction that produced them.
func (l Link[K, Row]) Value(txh Txish) (*Row, error) {
	switch l.state {
	case LinkDehydrated:
		return nil, nil
	case LinkOwned:
		return l.value, nil
	case LinkHydrated, LinkBorrowed:
		if txh == nil || txh.DBTx() == nil || txh.DBTx().id != l.txid {
			return nil, ErrStaleLink
		}
		return l.value, nil
	default:
		panic(fmt.Errorf("invalid link state %v", l.state))
	}
}

// Compare orders links deterministically: by state
// (dehydrated < owned < hydrated < borrowed), then by encoded key bytes.
func (l Link[K, Row]) Compare(other Link[K, Row]) int {
	if l.state != other.state {
		if l.state < other.state {
			return -1
		}
		return 1
	}
	codec := keyCodecOf(reflect.TypeOf((*K)(nil)).Elem())
	return bytes.Compare(codec.encodeKey(reflect.ValueOf(l.key)), codec.encodeKey(reflect.ValueOf(other.key)))
}

var (
	_ msgpack.CustomEncoder = (*Link[uint64, struct{}])(nil)
	_ msgpack.CustomDecoder = (*Link[uint64, struct{}])(nil)
)

// EncodeMsgpack persists only the foreign key. Hydrated and borrowed links
// must be dehydrated first: their values never outlive a transaction.
func (l *Link[K, Row]) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch l.state {
	case LinkDehydrated, LinkOwned:
		return enc.Encode(l.key)
	default:
		return fmt.Errorf("cannot persist a %v link: dehydrate it first", l.state)
	}
}

// DecodeMsgpack always yields a dehydrated link.
func (l *Link[K, Row]) DecodeMsgpack(dec *msgpack.Decoder) error {
	var key K
	if err := dec.Decode(&key); err != nil {
		return err
	}
	*l = Link[K, Row]{state: LinkDehydrated, key: key}
	return nil
}
