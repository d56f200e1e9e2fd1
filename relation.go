package nvdb

import (
	"fmt"
	"reflect"
)

// checkRelationTypes asserts that rel actually points at Row with key
// type K. These are programmer errors, so they panic like every other
// schema misuse.
func checkRelationTypes[K comparable, Row any](rel *Relation) *Model {
	target := rel.TargetModel()
	if target == nil {
		panic(fmt.Errorf("relation %q has no target model", rel.field))
	}
	if rt := reflect.TypeOf((**Row)(nil)).Elem(); rt != target.rowTypePtr {
		panic(fmt.Errorf("relation %q targets %s (%v), used with %v", rel.field, target.FullName(), target.rowTypePtr, rt))
	}
	if kt := reflect.TypeOf((*K)(nil)).Elem(); kt != rel.codec.typ {
		panic(fmt.Errorf("relation %q has key type %v, used with %v", rel.field, rel.codec.typ, kt))
	}
	return target
}

// checkCrossAccess gates a cross-definition operation: the caller-supplied
// access level must cover both the relation's declared requirement and the
// capabilities the operation itself needs.
func checkCrossAccess(rel *Relation, supplied, needed Access) error {
	if !supplied.Allows(rel.required) {
		return fmt.Errorf("%w: relation %s.%s requires %v, supplied %v",
			ErrPermissionDenied, rel.requireModel().FullName(), rel.field, rel.required, supplied)
	}
	if !supplied.Allows(needed) {
		return fmt.Errorf("%w: operation on relation %s.%s needs %v, supplied %v",
			ErrPermissionDenied, rel.requireModel().FullName(), rel.field, needed, supplied)
	}
	return nil
}

// LoadRelated resolves a dehydrated link by reading the target row in the
// target's definition. The supplied access must cover the relation's
// declared requirement; AccessHydrate yields a transaction-scoped hydrated
// link, otherwise an owned copy is returned. A missing target is an
// explicit ErrNotFound and the link stays dehydrated — never stale data.
func LoadRelated[K comparable, Row any](txh Txish, rel *Relation, link *Link[K, Row], access Access) error {
	tx := txh.DBTx()
	target := checkRelationTypes[K, Row](rel)
	if err := checkCrossAccess(rel, access, AccessRead); err != nil {
		return err
	}

	switch link.state {
	case LinkOwned:
		return nil
	case LinkHydrated, LinkBorrowed:
		if link.txid == tx.id {
			return nil
		}
		// Stale value from another transaction: resolve afresh.
	}

	rowVal, err := tx.get(target, reflect.ValueOf(link.key))
	if err != nil {
		return err
	}
	if !rowVal.IsValid() {
		return fmt.Errorf("%w: %s/%v referenced by relation %q", ErrNotFound, target.FullName(), link.key, rel.field)
	}

	value := rowVal.Interface().(*Row)
	if access.Allows(AccessHydrate) {
		*link = HydratedLink[K, Row](tx, link.key, value)
	} else {
		*link = OwnedLink[K, Row](link.key, value)
	}
	return nil
}

// SaveRelated writes the link's cached value into the target definition's
// store (upsert). This is the opt-in cascade-write path; it is never run
// automatically.
func SaveRelated[K comparable, Row any](txh Txish, rel *Relation, link Link[K, Row], access Access) error {
	tx := txh.DBTx()
	target := checkRelationTypes[K, Row](rel)
	if err := checkCrossAccess(rel, access, AccessWrite); err != nil {
		return err
	}

	value, err := link.Value(tx)
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%s.%s: cannot save a dehydrated link", rel.requireModel().FullName(), rel.field)
	}
	return tx.put(target, reflect.ValueOf(value), putUpsert)
}

// DeleteRelated removes the link's target row from the target definition's
// store. Opt-in cascade delete: requires AccessCascade on top of write
// access and the relation's own requirement.
func DeleteRelated[K comparable, Row any](txh Txish, rel *Relation, link *Link[K, Row], access Access) error {
	tx := txh.DBTx()
	target := checkRelationTypes[K, Row](rel)
	if err := checkCrossAccess(rel, access, AccessWrite|AccessCascade); err != nil {
		return err
	}

	if _, err := tx.delete(target, reflect.ValueOf(link.key)); err != nil {
		return err
	}
	*link = link.Dehydrate()
	return nil
}
