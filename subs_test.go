package nvdb

import (
	"testing"
)

func TestSubscriptionManagerBasics(t *testing.T) {
	m := NewSubscriptionManager()

	if _, ok := m.TopicMerkleRoot("unknown"); ok {
		t.Fatalf("unknown topic reported a root")
	}

	m.SubscribeItem("synced", []byte("d1"), ContentHash([]byte("v1")))
	m.SubscribeItem("synced", []byte("d2"), ContentHash([]byte("v2")))
	m.SubscribeItem("starred", []byte("d1"), ContentHash([]byte("v1")))

	if _, ok := m.TopicMerkleRoot("synced"); !ok {
		t.Fatalf("synced topic has no root")
	}

	st := m.Stats()
	deepEqual(t, st, SubscriptionStats{Topics: 2, Items: 3})
	deepEqual(t, m.TopicNames(), []string{"starred", "synced"})

	prev, found := m.UnsubscribeItem("synced", []byte("d2"))
	if !found || prev != ContentHash([]byte("v2")) {
		t.Fatalf("UnsubscribeItem = (%x, %v)", prev, found)
	}
	if _, found := m.UnsubscribeItem("synced", []byte("d2")); found {
		t.Fatalf("double unsubscribe reported found")
	}
	if _, found := m.UnsubscribeItem("nope", []byte("d2")); found {
		t.Fatalf("unknown topic unsubscribe reported found")
	}

	deepEqual(t, m.Stats(), SubscriptionStats{Topics: 2, Items: 2})
}

func TestSubscriptionManagerCompare(t *testing.T) {
	a := NewSubscriptionManager()
	b := NewSubscriptionManager()

	a.SubscribeItem("synced", []byte("d1"), ContentHash([]byte("v1")))
	b.SubscribeItem("synced", []byte("d1"), ContentHash([]byte("v1")))
	deepEqual(t, a.CompareTopic("synced", b).Empty(), true)

	b.SubscribeItem("synced", []byte("d1"), ContentHash([]byte("v1-changed")))
	b.SubscribeItem("synced", []byte("d2"), ContentHash([]byte("v2")))

	d := a.CompareTopic("synced", b)
	deepEqual(t, len(d.MissingInSelf), 1)
	deepEqual(t, len(d.DifferentValues), 1)

	// Comparing a topic neither side tracks yields an empty diff.
	deepEqual(t, a.CompareTopic("other", b).Empty(), true)
}

func TestSubscriptionManagerReplaceTopic(t *testing.T) {
	m := NewSubscriptionManager()
	m.SubscribeItem("synced", []byte("old"), ContentHash([]byte("v")))

	fresh := NewMerkleTree()
	fresh.Put([]byte("new"), ContentHash([]byte("v2")))
	m.ReplaceTopic("synced", fresh)

	deepEqual(t, m.Stats(), SubscriptionStats{Topics: 1, Items: 1})
	root, ok := m.TopicMerkleRoot("synced")
	fr, _ := fresh.Root()
	if !ok || root != fr {
		t.Fatalf("ReplaceTopic did not swap the tree")
	}
}
