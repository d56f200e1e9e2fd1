package nvdb

import (
	"bytes"
	"sort"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte blake3 content hash.
type Hash = [32]byte

// ContentHash is the hash stored in subscription entries for a record's
// encoded bytes.
func ContentHash(data []byte) Hash {
	return blake3.Sum256(data)
}

// MerkleTree summarizes a set of (item key, content hash) pairs with a
// single root. Leaves are blake3(key || hash), sorted ascending by key
// before tree construction, so the root is independent of insertion order.
// The tree is rebuilt lazily: mutations mark it dirty, Root and Compare
// rebuild it on demand.
type MerkleTree struct {
	items map[string]Hash
	dirty bool
	root  Hash
	empty bool
}

func NewMerkleTree() *MerkleTree {
	return &MerkleTree{
		items: make(map[string]Hash),
		dirty: true,
	}
}

// Len returns the number of tracked items.
func (t *MerkleTree) Len() int {
	return len(t.items)
}

// Put upserts an item. Overwriting an existing key's hash does not change
// the item count.
func (t *MerkleTree) Put(key []byte, hash Hash) {
	t.items[string(key)] = hash
	t.dirty = true
}

// Remove deletes an item, returning its previous hash if it was present.
// Removing an absent key is a no-op.
func (t *MerkleTree) Remove(key []byte) (Hash, bool) {
	prev, found := t.items[string(key)]
	if found {
		delete(t.items, string(key))
		t.dirty = true
	}
	return prev, found
}

// Get returns the tracked hash for key.
func (t *MerkleTree) Get(key []byte) (Hash, bool) {
	h, found := t.items[string(key)]
	return h, found
}

// Root returns the merkle root, rebuilding the tree if dirty.
// ok is false iff the tree is empty.
func (t *MerkleTree) Root() (Hash, bool) {
	t.rebuild()
	if t.empty {
		return Hash{}, false
	}
	return t.root, true
}

func (t *MerkleTree) rebuild() {
	if !t.dirty {
		return
	}
	t.dirty = false
	if len(t.items) == 0 {
		t.empty = true
		t.root = Hash{}
		return
	}
	t.empty = false

	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	level := make([]Hash, len(keys))
	h := blake3.New()
	for i, k := range keys {
		ih := t.items[k]
		h.Reset()
		h.Write([]byte(k))
		h.Write(ih[:])
		h.Sum(level[i][:0])
	}

	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd node promotes unchanged
				next = append(next, level[i])
				break
			}
			h.Reset()
			h.Write(level[i][:])
			h.Write(level[i+1][:])
			var parent Hash
			h.Sum(parent[:0])
			next = append(next, parent)
		}
		level = next
	}
	t.root = level[0]
}

// ValueDiff reports an item present in both trees with differing hashes,
// carrying both sides for conflict resolution.
type ValueDiff struct {
	Key       []byte
	SelfHash  Hash
	OtherHash Hash
}

// Diff is the minimal synchronization set between two trees.
type Diff struct {
	// MissingInSelf lists keys present only in the other tree.
	MissingInSelf [][]byte
	// MissingInOther lists keys present only in this tree.
	MissingInOther [][]byte
	// DifferentValues lists keys present in both with differing hashes.
	DifferentValues []ValueDiff
}

// Empty reports whether the two trees hold identical item sets.
func (d *Diff) Empty() bool {
	return len(d.MissingInSelf) == 0 && len(d.MissingInOther) == 0 && len(d.DifferentValues) == 0
}

// Compare diffs two trees. Equal roots short-circuit to an empty diff
// without any per-item work; otherwise a full key-set comparison runs.
// The merkle root is only the fast pre-check, not a structural diff.
func (t *MerkleTree) Compare(other *MerkleTree) *Diff {
	diff := &Diff{}

	sr, sok := t.Root()
	or, ook := other.Root()
	if sok == ook && sr == or {
		return diff
	}

	keys := make([]string, 0, len(t.items)+len(other.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	for k := range other.items {
		if _, found := t.items[k]; !found {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		sh, sfound := t.items[k]
		oh, ofound := other.items[k]
		switch {
		case sfound && !ofound:
			diff.MissingInOther = append(diff.MissingInOther, []byte(k))
		case !sfound && ofound:
			diff.MissingInSelf = append(diff.MissingInSelf, []byte(k))
		case !bytes.Equal(sh[:], oh[:]):
			diff.DifferentValues = append(diff.DifferentValues, ValueDiff{[]byte(k), sh, oh})
		}
	}
	return diff
}
