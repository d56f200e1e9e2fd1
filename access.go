package nvdb

import "strings"

// Access is a bitset of capabilities granted on a model's tables or required
// by a relation. A single representation is used everywhere: transaction
// grants, cross-definition relation gates, and maintenance operations.
type Access uint8

const (
	// AccessRead allows point lookups, scans and secondary key lookups.
	AccessRead Access = 1 << iota
	// AccessWrite allows Create/Upsert/Update/Delete and blob writes.
	AccessWrite
	// AccessHydrate allows LoadRelated to return hydrated links across
	// definitions.
	AccessHydrate
	// AccessCascade allows DeleteRelated to remove rows in the target
	// definition.
	AccessCascade

	ReadOnly  = AccessRead
	ReadWrite = AccessRead | AccessWrite
	Admin     = AccessRead | AccessWrite | AccessHydrate | AccessCascade
)

// Allows reports whether a grants every capability in req.
func (a Access) Allows(req Access) bool {
	return a&req == req
}

func (a Access) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	if a&AccessRead != 0 {
		parts = append(parts, "read")
	}
	if a&AccessWrite != 0 {
		parts = append(parts, "write")
	}
	if a&AccessHydrate != 0 {
		parts = append(parts, "hydrate")
	}
	if a&AccessCascade != 0 {
		parts = append(parts, "cascade")
	}
	return strings.Join(parts, "+")
}

// Grant pairs a model with the access a write transaction declares upfront.
type Grant struct {
	Model  *Model
	Access Access
}

func GrantRW(mdl *Model) Grant {
	return Grant{Model: mdl, Access: ReadWrite}
}

func GrantRead(mdl *Model) Grant {
	return Grant{Model: mdl, Access: ReadOnly}
}
