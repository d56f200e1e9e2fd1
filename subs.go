package nvdb

import (
	"sort"
	"sync"
)

// SubscriptionManager holds one merkle tree per topic and is safe for
// concurrent use. It is an in-memory view; LoadTopicTree bridges the
// persisted per-topic subscription tables into a manager.
type SubscriptionManager struct {
	mu     sync.Mutex
	topics map[string]*MerkleTree
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{topics: make(map[string]*MerkleTree)}
}

func (m *SubscriptionManager) tree(topic string) *MerkleTree {
	t := m.topics[topic]
	if t == nil {
		t = NewMerkleTree()
		m.topics[topic] = t
	}
	return t
}

// SubscribeItem upserts an item into a topic, creating the topic on first
// use.
func (m *SubscriptionManager) SubscribeItem(topic string, key []byte, hash Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree(topic).Put(key, hash)
}

// UnsubscribeItem removes an item from a topic, returning its previous hash
// if it was tracked. Unknown topics and keys are no-ops.
func (m *SubscriptionManager) UnsubscribeItem(topic string, key []byte) (Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[topic]
	if t == nil {
		return Hash{}, false
	}
	return t.Remove(key)
}

// TopicMerkleRoot returns the root of a topic's tree; ok is false for empty
// or unknown topics.
func (m *SubscriptionManager) TopicMerkleRoot(topic string) (Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[topic]
	if t == nil {
		return Hash{}, false
	}
	return t.Root()
}

// CompareTopic diffs this manager's topic tree against other's.
func (m *SubscriptionManager) CompareTopic(topic string, other *SubscriptionManager) *Diff {
	m.mu.Lock()
	self := m.tree(topic)
	m.mu.Unlock()

	other.mu.Lock()
	theirs := other.tree(topic)
	other.mu.Unlock()

	return self.Compare(theirs)
}

// ReplaceTopic swaps in a freshly loaded tree for a topic.
func (m *SubscriptionManager) ReplaceTopic(topic string, t *MerkleTree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic] = t
}

// SubscriptionStats aggregates manager-wide bookkeeping.
type SubscriptionStats struct {
	Topics int // topics with at least one item
	Items  int // total items across all topics
}

func (m *SubscriptionManager) Stats() SubscriptionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st SubscriptionStats
	for _, t := range m.topics {
		if t.Len() > 0 {
			st.Topics++
			st.Items += t.Len()
		}
	}
	return st
}

// TopicNames returns the declared topic names in sorted order.
func (m *SubscriptionManager) TopicNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
