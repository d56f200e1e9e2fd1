package nvdb

import (
	"testing"
)

func seedFleet(t testing.TB, db *DB) {
	t.Helper()
	db.Write(func(tx *Tx) {
		ok(t, Create(tx, &User{ID: 1, Name: "ada", Email: "ada@x.com"}))
		ok(t, Create(tx, &User{ID: 2, Name: "bob", Email: "bob@x.com"}))
		ok(t, CreateMany(tx, []*Device{
			{Serial: "d1", Owner: DehydratedLink[UserID, User](1), Label: "laptop"},
			{Serial: "d2", Owner: DehydratedLink[UserID, User](1), Label: "phone"},
			{Serial: "d3", Owner: DehydratedLink[UserID, User](2), Label: "tablet"},
		}))
	})
}

func TestLoadRelated(t *testing.T) {
	db := setup(t, testSchema)
	seedFleet(t, db)

	// Read access yields an owned copy with independent lifetime.
	var owned Link[UserID, User]
	db.Read(func(tx *Tx) {
		d := must(Get[Device](tx, "d1"))
		ok(t, LoadRelated(tx, devicesByOwner, &d.Owner, AccessRead))
		deepEqual(t, d.Owner.State(), LinkOwned)
		deepEqual(t, must(d.Owner.Value(tx)).Name, "ada")
		owned = d.Owner
	})
	// Owned values survive the transaction.
	deepEqual(t, must(owned.Value(nil)).Name, "ada")

	// Hydrate access yields a transaction-scoped value.
	var hydrated Link[UserID, User]
	db.Read(func(tx *Tx) {
		d := must(Get[Device](tx, "d1"))
		ok(t, LoadRelated(tx, devicesByOwner, &d.Owner, AccessRead|AccessHydrate))
		deepEqual(t, d.Owner.State(), LinkHydrated)
		deepEqual(t, must(d.Owner.Value(tx)).Name, "ada")
		hydrated = d.Owner

		// Resolving an already-hydrated link in the same tx is a no-op.
		ok(t, LoadRelated(tx, devicesByOwner, &d.Owner, AccessRead|AccessHydrate))
	})
	db.Read(func(tx *Tx) {
		_, err := hydrated.Value(tx)
		wantErr(t, err, ErrStaleLink)

		// But the link can be resolved afresh in the new transaction.
		ok(t, LoadRelated(tx, devicesByOwner, &hydrated, AccessRead|AccessHydrate))
		deepEqual(t, must(hydrated.Value(tx)).Name, "ada")
	})
}

func TestLoadRelatedMissingTarget(t *testing.T) {
	db := setup(t, testSchema)
	db.Write(func(tx *Tx) {
		ok(t, Create(tx, &Device{Serial: "orphan", Owner: DehydratedLink[UserID, User](99)}))
	})

	db.Read(func(tx *Tx) {
		d := must(Get[Device](tx, "orphan"))
		err := LoadRelated(tx, devicesByOwner, &d.Owner, AccessRead)
		wantErr(t, err, ErrNotFound)
		// The link stays dehydrated rather than carrying stale data.
		deepEqual(t, d.Owner.State(), LinkDehydrated)
	})
}

func TestRelationAccessGate(t *testing.T) {
	db := setup(t, testSchema)
	seedFleet(t, db)

	db.Read(func(tx *Tx) {
		d := must(Get[Device](tx, "d1"))
		err := LoadRelated(tx, devicesByOwner, &d.Owner, 0)
		wantErr(t, err, ErrPermissionDenied)
	})

	db.Write(func(tx *Tx) {
		d := must(Get[Device](tx, "d1"))
		ok(t, LoadRelated(tx, devicesByOwner, &d.Owner, AccessRead))

		// Cascade delete needs the full capability set.
		err := DeleteRelated(tx, devicesByOwner, &d.Owner, ReadWrite)
		wantErr(t, err, ErrPermissionDenied)
	})
}

func TestSaveRelated(t *testing.T) {
	db := setup(t, testSchema)
	seedFleet(t, db)

	db.Write(func(tx *Tx) {
		d := must(Get[Device](tx, "d1"))
		ok(t, LoadRelated(tx, devicesByOwner, &d.Owner, AccessRead))

		u := must(d.Owner.Value(tx))
		u.Plan = "pro"
		ok(t, SaveRelated(tx, devicesByOwner, d.Owner, ReadWrite))
	})
	db.Read(func(tx *Tx) {
		deepEqual(t, must(Get[User](tx, UserID(1))).Plan, "pro")
	})

	// A dehydrated link has nothing to save.
	err := db.Update(func(tx *Tx) error {
		return SaveRelated(tx, devicesByOwner, DehydratedLink[UserID, User](1), ReadWrite)
	})
	if err == nil {
		t.Fatalf("SaveRelated of dehydrated link succeeded")
	}
}

func TestDeleteRelated(t *testing.T) {
	db := setup(t, testSchema)
	seedFleet(t, db)

	db.Write(func(tx *Tx) {
		d := must(Get[Device](tx, "d3"))
		ok(t, DeleteRelated(tx, devicesByOwner, &d.Owner, Admin))
		deepEqual(t, d.Owner.State(), LinkDehydrated)
	})
	db.Read(func(tx *Tx) {
		isnil(t, must(Get[User](tx, UserID(2))))
		// The device itself survives; only the target row is removed.
		deepEqual(t, must(Exists[Device](tx, "d3")), true)
	})
}

func TestReverseRelationLookup(t *testing.T) {
	db := setup(t, testSchema)
	seedFleet(t, db)

	db.Read(func(tx *Tx) {
		keys := must(GetRelatedKeys[Device](tx, devicesByOwner, UserID(1)))
		deepEqual(t, len(keys), 2)

		rows := must(GetRelatedRows[Device](tx, devicesByOwner, UserID(1)))
		deepEqual(t, []string{rows[0].Serial, rows[1].Serial}, []string{"d1", "d2"})

		deepEqual(t, len(must(GetRelatedKeys[Device](tx, devicesByOwner, UserID(9)))), 0)
	})

	// Reassigning a device moves its relational entry.
	db.Write(func(tx *Tx) {
		d := must(Get[Device](tx, "d2"))
		d.Owner = DehydratedLink[UserID, User](2)
		ok(t, Update(tx, d))
	})
	db.Read(func(tx *Tx) {
		deepEqual(t, len(must(GetRelatedKeys[Device](tx, devicesByOwner, UserID(1)))), 1)
		deepEqual(t, len(must(GetRelatedKeys[Device](tx, devicesByOwner, UserID(2)))), 2)
	})
}
