package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuditTree is a Merkle tree over every recorded transaction, giving the
// ledger a tamper-evident digest. Each append recomputes the global root and
// pins a per-entity root, so an entity's standing can be attested without
// exposing the whole log.
type AuditTree struct {
	mu          sync.Mutex
	leaves      []string
	root        string
	entityRoots map[string]string
}

// NewAuditTree returns an empty tree.
func NewAuditTree() *AuditTree {
	return &AuditTree{entityRoots: make(map[string]string)}
}

func digest(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// leafDigest canonicalizes a transaction into its leaf hash. The encoding is
// append-only stable: changing any recorded field changes the root.
func leafDigest(tx Transaction) string {
	return digest(fmt.Sprintf("%s|%s|%s|%g|%s|%s",
		tx.ID, tx.EntityID, tx.Category, tx.Points,
		tx.EvidenceEventID, tx.RecordedAt.UTC().Format(time.RFC3339Nano)))
}

// Append adds the transaction's digest and returns the new global root.
func (t *AuditTree) Append(tx Transaction) string {
	leaf := leafDigest(tx)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaves = append(t.leaves, leaf)
	t.root = fold(t.leaves)
	t.entityRoots[tx.EntityID] = t.root
	return t.root
}

// fold reduces the leaf level to a single root, duplicating the last node on
// odd levels.
func fold(level []string) string {
	if len(level) == 0 {
		return ""
	}
	nodes := make([]string, len(level))
	copy(nodes, level)

	for len(nodes) > 1 {
		next := nodes[:0]
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, digest(left+right))
		}
		nodes = next
	}
	return nodes[0]
}

// Root returns the current global root, empty before the first append.
func (t *AuditTree) Root() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// EntityRoot returns the global root as of the entity's most recent
// transaction, empty for unknown entities.
func (t *AuditTree) EntityRoot(entityID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entityRoots[entityID]
}

// Contains reports whether the transaction's digest is a leaf of the tree.
// A transaction mutated after recording no longer verifies.
func (t *AuditTree) Contains(tx Transaction) bool {
	leaf := leafDigest(tx)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, l := range t.leaves {
		if l == leaf {
			return true
		}
	}
	return false
}

// Size returns the number of recorded leaves.
func (t *AuditTree) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leaves)
}
