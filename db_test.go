package nvdb

import (
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
)

type (
	UserID uint64

	User struct {
		ID    UserID `msgpack:"-"`
		Email string `msgpack:"e"`
		Name  string `msgpack:"n"`
		Plan  string `msgpack:"p"`
	}

	Device struct {
		Serial string             `msgpack:"-"`
		Owner  Link[UserID, User] `msgpack:"o"`
		Label  string             `msgpack:"l"`
		Synced bool               `msgpack:"s"`
	}

	Attachment struct {
		ID   uint64 `msgpack:"-"`
		Name string `msgpack:"n"`
	}
)

var (
	testSchema = NewSchema()
	coreDef    = AddDefinition(testSchema, "Core")
	fleetDef   = AddDefinition(testSchema, "Fleet")

	usersByEmail = NewSecondaryKey[string]("Email").Unique()
	usersByName  = NewSecondaryKey[string]("Name")
	usersModel   = DefineModel(coreDef, "User", func(b *ModelBuilder[User]) {
		b.Index(usersByEmail)
		b.Index(usersByName)
		b.Keys(func(row *User, kb *KeyBuilder) {
			kb.Secondary(usersByEmail, row.Email)
			if row.Name != "" {
				kb.Secondary(usersByName, row.Name)
			}
		})
	})

	devicesByOwner = NewRelation[UserID]("Owner").Target(usersModel)
	syncedDevices  = NewTopic("synced")
	deviceDump     = NewBlobField("Dump")
	devicesModel   = DefineModel(fleetDef, "Device", func(b *ModelBuilder[Device]) {
		b.Relation(devicesByOwner)
		b.Topic(syncedDevices)
		b.Blob(deviceDump)
		b.Keys(func(row *Device, kb *KeyBuilder) {
			kb.RelationLink(devicesByOwner, row.Owner.Key())
			if row.Synced {
				kb.Publish(syncedDevices)
			}
		})
	})

	attachmentData   = NewBlobField("Data").Compressed()
	attachmentsModel = DefineModel(coreDef, "Attachment", func(b *ModelBuilder[Attachment]) {
		b.Blob(attachmentData)
	})
)

func setup(t testing.TB, scm *Schema) *DB {
	t.Helper()
	return setupOpts(t, scm, Options{IsTesting: true})
}

func setupOpts(t testing.TB, scm *Schema, opt Options) *DB {
	t.Helper()

	dbFile := must(os.CreateTemp("", "nvdb_test_*.db"))
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	opt.IsTesting = true
	db := must(Open(dbFile.Name(), scm, opt))
	t.Cleanup(db.Close)
	return db
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got %v, wanted nil", a)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func wantErr(t testing.TB, err, sentinel error) {
	t.Helper()
	if err == nil {
		t.Fatalf("** got nil error, wanted %v", sentinel)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("** got %v, wanted %v", err, sentinel)
	}
}

func TestCRUD(t *testing.T) {
	u1 := &User{ID: 1, Name: "foo", Email: "foo@example.com"}
	u2 := &User{ID: 2, Name: "bar", Email: "bar@example.com"}

	db := setup(t, testSchema)
	db.Write(func(tx *Tx) {
		ok(t, Create(tx, u1))
		ok(t, Create(tx, u2))
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(Get[User](tx, UserID(1))), u1)
		deepEqual(t, must(Get[User](tx, UserID(2))), u2)
		isnil(t, must(Get[User](tx, UserID(3))))

		deepEqual(t, must(Exists[User](tx, UserID(1))), true)
		deepEqual(t, must(Exists[User](tx, UserID(3))), false)

		deepEqual(t, must(AllRows[User](tx)), []*User{u1, u2})
		deepEqual(t, must(CountRows[User](tx)), 2)
	})

	db.Write(func(tx *Tx) {
		ok(t, Delete[User](tx, UserID(1)))
		isnil(t, must(Get[User](tx, UserID(1))))
		// deleting again is a no-op
		ok(t, Delete[User](tx, UserID(1)))
	})
	db.Read(func(tx *Tx) {
		deepEqual(t, must(CountRows[User](tx)), 1)
	})
}

func TestCreateUpsertUpdateModes(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		ok(t, Create(tx, &User{ID: 1, Email: "a@x.com"}))
		wantErr(t, Create(tx, &User{ID: 1, Email: "a2@x.com"}), ErrAlreadyExists)

		wantErr(t, Update(tx, &User{ID: 2, Email: "b@x.com"}), ErrNotFound)
		ok(t, Upsert(tx, &User{ID: 2, Email: "b@x.com"}))
		ok(t, Update(tx, &User{ID: 2, Email: "b2@x.com", Name: "b"}))
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(Get[User](tx, UserID(2))).Email, "b2@x.com")
	})
}

func TestSecondaryKeyLifecycle(t *testing.T) {
	db := setup(t, testSchema)

	u := &User{ID: 1, Name: "foo", Email: "foo@example.com"}
	db.Write(func(tx *Tx) {
		ok(t, Create(tx, u))
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "foo@example.com")), u)
		deepEqual(t, must(GetBySecondaryKey[User](tx, usersByName, "foo")), []*User{u})
		isnil(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "fo")))
		isnil(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "foo@example.comm")))
	})

	// Updating a row re-points its index entries.
	db.Write(func(tx *Tx) {
		u.Email = "new@example.com"
		ok(t, Update(tx, u))
	})
	db.Read(func(tx *Tx) {
		isnil(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "foo@example.com")))
		deepEqual(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "new@example.com")), u)
	})

	// Unique conflict across rows.
	db.Write(func(tx *Tx) {
		wantErr(t, Create(tx, &User{ID: 2, Email: "new@example.com"}), ErrAlreadyExists)
	})

	// Deleting a row clears its index entries.
	db.Write(func(tx *Tx) {
		ok(t, Delete[User](tx, UserID(1)))
		isnil(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "new@example.com")))
		deepEqual(t, must(GetBySecondaryKey[User](tx, usersByName, "foo")), []*User{})
	})
}

func TestNonUniqueSecondaryKeyPagination(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		for i := 1; i <= 5; i++ {
			ok(t, Create(tx, &User{ID: UserID(i), Name: "dup", Email: string(rune('a'+i)) + "@x.com"}))
		}
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(CountBySecondaryKey[User](tx, usersByName, "dup")), 5)

		all := must(ListBySecondaryKey[User](tx, usersByName, "dup", 0, -1))
		if len(all) != 5 {
			t.Fatalf("got %d rows, wanted 5", len(all))
		}
		// Pagination walks index byte order, which here is primary key order.
		page := must(ListBySecondaryKey[User](tx, usersByName, "dup", 1, 2))
		deepEqual(t, []UserID{page[0].ID, page[1].ID}, []UserID{2, 3})

		deepEqual(t, len(must(ListBySecondaryKey[User](tx, usersByName, "dup", 5, -1))), 0)
		deepEqual(t, len(must(ListBySecondaryKey[User](tx, usersByName, "dup", 0, 0))), 0)
	})
}

func TestBulkOperations(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		ok(t, CreateMany(tx, []*User{
			{ID: 1, Email: "a@x.com", Plan: "free"},
			{ID: 2, Email: "b@x.com", Plan: "free"},
			{ID: 3, Email: "c@x.com", Plan: "pro"},
			{ID: 4, Email: "d@x.com", Plan: "free"},
		}))
	})

	db.Write(func(tx *Tx) {
		n := must(UpdateIf(tx, func(u *User) bool { return u.Plan == "free" }, func(u *User) {
			u.Plan = "trial"
		}))
		deepEqual(t, n, 3)
	})
	db.Read(func(tx *Tx) {
		deepEqual(t, must(Get[User](tx, UserID(2))).Plan, "trial")
		deepEqual(t, must(Get[User](tx, UserID(3))).Plan, "pro")
	})

	db.Write(func(tx *Tx) {
		n := must(UpdateRange(tx, UserID(1), UserID(3), func(u *User) {
			u.Name = "ranged"
		}))
		deepEqual(t, n, 2)
	})

	db.Write(func(tx *Tx) {
		n := must(DeleteRange[User](tx, UserID(2), UserID(4)))
		deepEqual(t, n, 2)
		deepEqual(t, must(CountRows[User](tx)), 2)
	})

	db.Write(func(tx *Tx) {
		n := must(DeleteMany[User](tx, []any{UserID(1), UserID(99)}))
		deepEqual(t, n, 1)
	})

	db.Write(func(tx *Tx) {
		n := must(DeleteIf(tx, func(u *User) bool { return u.Plan == "trial" }))
		deepEqual(t, n, 1)
		deepEqual(t, must(CountRows[User](tx)), 0)
	})
}

func TestNoopSaveSkipsWrites(t *testing.T) {
	db := setup(t, testSchema)

	u := &User{ID: 1, Email: "a@x.com"}
	db.Write(func(tx *Tx) {
		ok(t, Create(tx, u))
	})
	before := db.WriteCount.Load()
	db.Write(func(tx *Tx) {
		ok(t, Upsert(tx, &User{ID: 1, Email: "a@x.com"}))
	})
	if got := db.WriteCount.Load(); got != before {
		t.Errorf("identical upsert bumped write count from %d to %d", before, got)
	}
}

func TestReindexAndVerify(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		ok(t, Create(tx, &User{ID: 1, Name: "foo", Email: "foo@x.com"}))
		ok(t, Create(tx, &User{ID: 2, Name: "bar", Email: "bar@x.com"}))
	})

	db.Write(func(tx *Tx) {
		n := must(VerifyIndexes[User](tx))
		deepEqual(t, n, 2)

		// Simulate index drift by removing an entry behind the engine's back.
		c := usersByEmail.codec
		entry := c.compose(nil, reflect.ValueOf("foo@x.com"))
		ok(t, tx.table(usersByEmail.tableName()).Delete(entry))

		if _, err := VerifyIndexes[User](tx); err == nil {
			t.Fatalf("VerifyIndexes passed on a broken index")
		}

		ok(t, tx.ReindexModel(usersModel))
		n = must(VerifyIndexes[User](tx))
		deepEqual(t, n, 2)
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(GetUniqueBySecondaryKey[User](tx, usersByEmail, "foo@x.com")).ID, UserID(1))
	})
}

func TestGetVersionAndReload(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		ok(t, Create(tx, &User{ID: 1, Email: "a@x.com"}))
	})
	db.Read(func(tx *Tx) {
		v, found, err := GetVersion[User](tx, UserID(1))
		ok(t, err)
		deepEqual(t, found, true)
		deepEqual(t, v, uint32(1))

		_, found, err = GetVersion[User](tx, UserID(9))
		ok(t, err)
		deepEqual(t, found, false)
	})

	db.Read(func(tx *Tx) {
		stale := &User{ID: 1}
		fresh := must(Reload(tx, stale))
		deepEqual(t, fresh.Email, "a@x.com")
	})
}

func TestMonitoring(t *testing.T) {
	db := setup(t, testSchema)
	db.Write(func(tx *Tx) {
		ok(t, Create(tx, &User{ID: 1, Email: "a@x.com"}))
	})

	st := db.Stats()
	if st.Writes == 0 {
		t.Errorf("Stats().Writes = 0, wanted > 0")
	}

	s := db.StatsString()
	if !strings.Contains(s, "Core:User:Primary:Main") {
		t.Errorf("StatsString missing main table:\n%s", s)
	}
	if !strings.Contains(s, "writes=") {
		t.Errorf("StatsString missing counters:\n%s", s)
	}

	tables := must(db.TableStats())
	deepEqual(t, tables["Core:User:Primary:Main"], 1)
	deepEqual(t, tables["Core:User:Secondary:Email"], 1)
}
