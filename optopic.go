package nvdb

import (
	"fmt"
	"reflect"
)

// SubscribeItem manually upserts a subscription entry for an item key,
// outside the automatic Keys-callback bookkeeping. The hash should be the
// content hash of the item's current bytes.
func SubscribeItem(txh Txish, tp *Topic, itemKey any, hash Hash) error {
	tx := txh.DBTx()
	mdl := tp.requireModel()
	if err := tx.requireWritable(mdl); err != nil {
		return err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(itemKey))
	tx.markWritten()
	tx.db.WriteCount.Add(1)
	if err := tx.table(tp.tableName()).Put(keyRaw, hash[:]); err != nil {
		return txErrf("put subscription entry in "+tp.tableName(), err)
	}
	return nil
}

// UnsubscribeItem removes an item from a topic, returning its previous
// hash if it was tracked. Absent items are a no-op.
func UnsubscribeItem(txh Txish, tp *Topic, itemKey any) (Hash, bool, error) {
	tx := txh.DBTx()
	mdl := tp.requireModel()
	if err := tx.requireWritable(mdl); err != nil {
		return Hash{}, false, err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(itemKey))

	t := tx.table(tp.tableName())
	prev := t.Get(keyRaw)
	if prev == nil {
		return Hash{}, false, nil
	}
	var h Hash
	copy(h[:], prev)
	tx.markWritten()
	tx.db.WriteCount.Add(1)
	if err := t.Delete(keyRaw); err != nil {
		return Hash{}, false, txErrf("delete subscription entry in "+tp.tableName(), err)
	}
	return h, true, nil
}

// TopicItemHash returns the tracked content hash of one item.
func TopicItemHash(txh Txish, tp *Topic, itemKey any) (Hash, bool, error) {
	tx := txh.DBTx()
	mdl := tp.requireModel()
	if err := tx.requireReadable(mdl); err != nil {
		return Hash{}, false, err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(itemKey))
	v := tx.table(tp.tableName()).Get(keyRaw)
	if v == nil {
		return Hash{}, false, nil
	}
	var h Hash
	copy(h[:], v)
	return h, true, nil
}

// LoadTopicTree builds a merkle tree from a topic's persisted subscription
// table under the transaction's snapshot.
func LoadTopicTree(txh Txish, tp *Topic) (*MerkleTree, error) {
	tx := txh.DBTx()
	mdl := tp.requireModel()
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}

	t := NewMerkleTree()
	c := tx.table(tp.tableName()).Cursor()
	defer c.Close()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(v) != len(Hash{}) {
			return nil, modelErrf(mdl, tp.tableName(), k, nil, "subscription entry has %d-byte hash, expected %d", len(v), len(Hash{}))
		}
		var h Hash
		copy(h[:], v)
		t.Put(k, h)
	}
	tx.db.ReadCount.Add(1)
	return t, nil
}

// TopicMerkleRoot computes the root of a topic's persisted tree; ok is
// false for empty topics.
func TopicMerkleRoot(txh Txish, tp *Topic) (Hash, bool, error) {
	t, err := LoadTopicTree(txh, tp)
	if err != nil {
		return Hash{}, false, err
	}
	root, ok := t.Root()
	return root, ok, nil
}

// CompareTopics diffs a topic's persisted tree against another tree (for
// example one received from a peer, or loaded from another store).
func CompareTopics(txh Txish, tp *Topic, other *MerkleTree) (*Diff, error) {
	t, err := LoadTopicTree(txh, tp)
	if err != nil {
		return nil, err
	}
	if other == nil {
		other = NewMerkleTree()
	}
	return t.Compare(other), nil
}

// TopicStats counts tracked items per topic of a model.
func TopicStats(txh Txish, mdl *Model) (map[string]int, error) {
	tx := txh.DBTx()
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}
	stats := make(map[string]int, len(mdl.topics))
	for _, tp := range mdl.topics {
		stats[tp.name] = tx.table(tp.tableName()).KeyCount()
	}
	if len(stats) == 0 {
		return stats, nil
	}
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: TOPIC_STATS %s => %v", mdl.FullName(), fmt.Sprint(stats))
	}
	return stats, nil
}
