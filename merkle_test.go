package nvdb

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMerkleRootDeterminism(t *testing.T) {
	a := NewMerkleTree()
	b := NewMerkleTree()

	items := map[string][]byte{
		"k1": []byte("v1"),
		"k2": []byte("v2"),
		"k3": []byte("v3"),
	}
	for k, v := range items {
		a.Put([]byte(k), ContentHash(v))
	}
	// Reverse insertion order must not matter.
	b.Put([]byte("k3"), ContentHash([]byte("v3")))
	b.Put([]byte("k1"), ContentHash([]byte("v1")))
	b.Put([]byte("k2"), ContentHash([]byte("v2")))

	ra, aok := a.Root()
	rb, bok := b.Root()
	if !aok || !bok {
		t.Fatalf("Root() not ok for non-empty trees")
	}
	if ra != rb {
		t.Fatalf("roots differ for identical item sets")
	}
}

func TestMerkleEmptyAndSingle(t *testing.T) {
	tr := NewMerkleTree()
	if _, ok := tr.Root(); ok {
		t.Fatalf("empty tree reported a root")
	}
	deepEqual(t, tr.Len(), 0)

	tr.Put([]byte("only"), ContentHash([]byte("x")))
	r1, ok := tr.Root()
	if !ok {
		t.Fatalf("single-item tree has no root")
	}

	// Single leaf: the root is the leaf itself, stable across rebuilds.
	tr.Put([]byte("only"), ContentHash([]byte("x")))
	r2, _ := tr.Root()
	if r1 != r2 {
		t.Fatalf("root changed after identical Put")
	}
}

func TestMerkleMutation(t *testing.T) {
	tr := NewMerkleTree()
	tr.Put([]byte("a"), ContentHash([]byte("1")))
	tr.Put([]byte("b"), ContentHash([]byte("2")))
	r1, _ := tr.Root()

	tr.Put([]byte("b"), ContentHash([]byte("2x")))
	r2, _ := tr.Root()
	if r1 == r2 {
		t.Fatalf("root unchanged after hash change")
	}

	prev, found := tr.Remove([]byte("b"))
	if !found || prev != ContentHash([]byte("2x")) {
		t.Fatalf("Remove returned (%x, %v)", prev, found)
	}
	if _, found := tr.Remove([]byte("b")); found {
		t.Fatalf("second Remove reported found")
	}
	deepEqual(t, tr.Len(), 1)

	h, found := tr.Get([]byte("a"))
	if !found || h != ContentHash([]byte("1")) {
		t.Fatalf("Get after removals = (%x, %v)", h, found)
	}
}

func TestMerkleOddLeafCount(t *testing.T) {
	tr := NewMerkleTree()
	for i := 0; i < 5; i++ {
		tr.Put([]byte{byte(i)}, ContentHash([]byte{byte(i)}))
	}
	if _, ok := tr.Root(); !ok {
		t.Fatalf("5-leaf tree has no root")
	}

	// Adding a sixth leaf still changes the root.
	r1, _ := tr.Root()
	tr.Put([]byte{5}, ContentHash([]byte{5}))
	r2, _ := tr.Root()
	if r1 == r2 {
		t.Fatalf("root unchanged after new leaf")
	}
}

func TestMerkleCompare(t *testing.T) {
	a := NewMerkleTree()
	b := NewMerkleTree()

	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("item-%02d", i))
		h := ContentHash(k)
		a.Put(k, h)
		b.Put(k, h)
	}

	deepEqual(t, a.Compare(b).Empty(), true)

	// Equal-root short-circuit: identical trees compare empty even for big
	// item sets, so the diff carries no allocations worth asserting on.

	b.Put([]byte("only-b"), ContentHash([]byte("nb")))
	a.Put([]byte("only-a"), ContentHash([]byte("na")))
	b.Put([]byte("item-03"), ContentHash([]byte("changed")))

	d := a.Compare(b)
	if d.Empty() {
		t.Fatalf("diff empty despite divergence")
	}
	if diff := cmp.Diff([][]byte{[]byte("only-b")}, d.MissingInSelf); diff != "" {
		t.Errorf("MissingInSelf mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{[]byte("only-a")}, d.MissingInOther); diff != "" {
		t.Errorf("MissingInOther mismatch (-want +got):\n%s", diff)
	}
	if len(d.DifferentValues) != 1 || string(d.DifferentValues[0].Key) != "item-03" {
		t.Errorf("DifferentValues = %v, wanted one entry for item-03", d.DifferentValues)
	}
	vd := d.DifferentValues[0]
	if vd.SelfHash != ContentHash([]byte("item-03")) || vd.OtherHash != ContentHash([]byte("changed")) {
		t.Errorf("ValueDiff hashes wrong")
	}
}

func TestMerkleCompareEmptyTrees(t *testing.T) {
	a := NewMerkleTree()
	b := NewMerkleTree()
	deepEqual(t, a.Compare(b).Empty(), true)

	b.Put([]byte("x"), ContentHash([]byte("x")))
	d := a.Compare(b)
	deepEqual(t, len(d.MissingInSelf), 1)
	deepEqual(t, len(d.MissingInOther), 0)
}
