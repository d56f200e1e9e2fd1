/*
Package nvdb implements an embedded, transactional, multi-index record store
on top of a key-value engine (Bolt by default, with Badger and a pure
in-memory engine as alternatives).

We implement:

1. Models, collections of typed records marshaled from a given struct, whose
first field is the primary key.

2. Secondary keys, allowing quick lookup of records by derived values, with
optional uniqueness enforcement.

3. Relational keys, foreign references to records of other models (possibly
in other definitions), resolved on demand through typed links with explicit
hydration states.

4. Subscription topics, tracking a subset of a model's records together with
content hashes, so that two stores can diff their state via merkle trees.

5. Blob fields, large binary payloads stored as numbered chunks alongside the
owning record.

6. Versioned migration, upgrading (and optionally downgrading) stored record
bytes along a chain of schema versions at read time.

# Technical Details

**Tables.**
Every model occupies a set of flat tables within a single physical store,
named by convention:

	{Def}:{Model}:Primary:Main
	{Def}:{Model}:Secondary:{Field}
	{Def}:{Model}:Relational:{Field}
	{Def}:Subscription:{Model}:{Topic}
	{Def}:{Model}:Blob:{Field}

Bolt maps tables to buckets; Badger and the in-memory engine simulate them
with key prefixes. All definitions share one store, so cross-definition
relations resolve inside a single transaction.

## Binary encoding

**Key encoding.**
Primary and secondary keys use an order-preserving encoding: fixed-size
big-endian integers (sign bit flipped for signed types), raw bytes for
terminal strings, length-prefixed bytes inside composite keys. Struct keys
concatenate their fields.

**Value**: a 6-byte version header ('N', 'V', schema version as uint32 LE),
then the msgpack encoding of the row struct with sorted map keys. Values
without the magic bytes are legacy records at version 0.

**Index entries.**
A non-unique secondary entry's key is the composed index value followed by
the primary key, with an empty value. A unique entry's key is the composed
value alone, with the primary key as the entry value. Relational entries map
target key + owner key to an empty value. Subscription entries map the
primary key to the 32-byte BLAKE3 hash of the record's stored bytes.

Derived entries are recomputed from the stored row on every write and
diffed, so index tables never need a full rebuild in normal operation
(Reindex exists for when the key derivation logic itself changes).
*/
package nvdb
