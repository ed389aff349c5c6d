package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditTx(id, entity string, points float64) Transaction {
	return Transaction{
		ID:         id,
		EntityID:   entity,
		Points:     points,
		Category:   "security",
		RecordedAt: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestAuditTree_RootChangesOnEveryAppend(t *testing.T) {
	tree := NewAuditTree()
	assert.Empty(t, tree.Root())

	first := tree.Append(auditTx("t-1", "acme", 10))
	assert.NotEmpty(t, first)

	second := tree.Append(auditTx("t-2", "acme", 20))
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, tree.Root())
	assert.Equal(t, 2, tree.Size())
}

func TestAuditTree_DeterministicForSameHistory(t *testing.T) {
	a := NewAuditTree()
	b := NewAuditTree()
	for _, tx := range []Transaction{
		auditTx("t-1", "acme", 10),
		auditTx("t-2", "globex", 25),
		auditTx("t-3", "acme", 5),
	} {
		a.Append(tx)
		b.Append(tx)
	}
	assert.Equal(t, a.Root(), b.Root())
}

func TestAuditTree_ContainsDetectsTampering(t *testing.T) {
	tree := NewAuditTree()
	tx := auditTx("t-1", "acme", 10)
	tree.Append(tx)

	assert.True(t, tree.Contains(tx))

	tampered := tx
	tampered.Points = 9999
	assert.False(t, tree.Contains(tampered))
}

func TestAuditTree_EntityRootPinsLatestAppend(t *testing.T) {
	tree := NewAuditTree()
	tree.Append(auditTx("t-1", "acme", 10))
	acmeRoot := tree.Root()
	tree.Append(auditTx("t-2", "globex", 25))

	assert.Equal(t, acmeRoot, tree.EntityRoot("acme"))
	assert.Equal(t, tree.Root(), tree.EntityRoot("globex"))
	assert.Empty(t, tree.EntityRoot("unknown"))
}

func TestLedger_RecordFeedsAuditTree(t *testing.T) {
	l := NewLedger(Options{})

	require.NoError(t, l.Record(context.Background(), Transaction{
		EntityID: "acme", Points: 50, Category: "compliance", EvidenceEventID: "ev-1",
	}))
	require.NoError(t, l.Record(context.Background(), Transaction{
		EntityID: "acme", Points: 25, Category: "security", EvidenceEventID: "ev-2",
	}))

	audit := l.Audit()
	assert.Equal(t, 2, audit.Size())
	assert.NotEmpty(t, audit.EntityRoot("acme"))

	for _, tx := range l.Transactions("acme") {
		assert.True(t, audit.Contains(tx), "recorded transaction must verify against the tree")
	}

	// Duplicate evidence never reaches the tree.
	require.NoError(t, l.Record(context.Background(), Transaction{
		EntityID: "acme", Points: 50, Category: "compliance", EvidenceEventID: "ev-1",
	}))
	assert.Equal(t, 2, audit.Size())
}
