// Package ledger maintains trust equity: an append-only transaction log per
// entity with a rolling twelve-month balance window, tier assignment, and
// score updates published back onto the fabric.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustvector/backend/internal/schema"
)

// Tier names, lowest to highest.
const (
	TierBronze   = "bronze"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

// TierThresholds maps each tier to the minimum rolling balance that earns
// it.
type TierThresholds struct {
	Silver   float64
	Gold     float64
	Platinum float64
}

// DefaultThresholds: bronze below 250, silver below 1000, gold below 5000,
// platinum at or above 5000.
func DefaultThresholds() TierThresholds {
	return TierThresholds{Silver: 250, Gold: 1000, Platinum: 5000}
}

// Tier returns the tier for a rolling balance.
func (t TierThresholds) Tier(balance float64) string {
	switch {
	case balance >= t.Platinum:
		return TierPlatinum
	case balance >= t.Gold:
		return TierGold
	case balance >= t.Silver:
		return TierSilver
	default:
		return TierBronze
	}
}

// Transaction is one appended ledger entry. Points are stored after the
// multiplier is applied.
type Transaction struct {
	ID              string    `json:"id"`
	EntityID        string    `json:"entity_id"`
	EntityType      string    `json:"entity_type"`
	Points          float64   `json:"points"`
	Category        string    `json:"category"`
	Multiplier      float64   `json:"multiplier"`
	EvidenceEventID string    `json:"evidence_event_id"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Balance is an entity's current standing. Score is the reported value
// clipped to [0, scoreCap]; Balance is the raw rolling-window sum the tier
// is computed from.
type Balance struct {
	EntityID     string             `json:"entity_id"`
	Score        float64            `json:"score"`
	Balance      float64            `json:"balance"`
	Tier         string             `json:"tier"`
	Breakdown    map[string]float64 `json:"breakdown"`
	Transactions int                `json:"transactions"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// EventPublisher puts score updates back on the fabric. Satisfied by
// bus.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, e *schema.Envelope) error
}

// EvidenceChecker answers whether an evidence event id exists in the
// persistence store. Satisfied by the bus's EventStore.
type EvidenceChecker interface {
	Contains(ctx context.Context, eventID string) bool
}

const stripeCount = 32

// entityRecord holds one entity's full transaction history plus its
// idempotency set.
type entityRecord struct {
	txs      []Transaction
	evidence map[string]struct{}
}

type stripe struct {
	mu       sync.Mutex
	entities map[string]*entityRecord
}

// Options configures a Ledger. Zero values take the platform defaults.
type Options struct {
	WindowMonths int
	ScoreCap     float64
	Thresholds   TierThresholds
	Publisher    EventPublisher
	Evidence     EvidenceChecker  // nil skips the existence check
	Clock        func() time.Time // test hook
}

// Ledger is the trust equity store. Entities are sharded across lock
// stripes so awards for unrelated entities never contend.
type Ledger struct {
	windowMonths int
	scoreCap     float64
	thresholds   TierThresholds
	publisher    EventPublisher
	evidence     EvidenceChecker
	now          func() time.Time

	stripes [stripeCount]*stripe
	audit   *AuditTree
}

// NewLedger builds a ledger from opts.
func NewLedger(opts Options) *Ledger {
	if opts.WindowMonths <= 0 {
		opts.WindowMonths = 12
	}
	if opts.ScoreCap <= 0 {
		opts.ScoreCap = 1000
	}
	if opts.Thresholds == (TierThresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	l := &Ledger{
		windowMonths: opts.WindowMonths,
		scoreCap:     opts.ScoreCap,
		thresholds:   opts.Thresholds,
		publisher:    opts.Publisher,
		evidence:     opts.Evidence,
		now:          opts.Clock,
		audit:        NewAuditTree(),
	}
	for i := range l.stripes {
		l.stripes[i] = &stripe{entities: make(map[string]*entityRecord)}
	}
	return l
}

func (l *Ledger) stripeFor(entityID string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return l.stripes[h.Sum32()%stripeCount]
}

// Award applies a trust.points.earned envelope. Implements the bus's
// TrustAwarder. Re-awarding the same evidence event id is an idempotent
// no-op.
func (l *Ledger) Award(ctx context.Context, e *schema.Envelope) error {
	if e.Type != schema.EventTrustPointsEarned {
		return fmt.Errorf("ledger: cannot award from %s", e.Type)
	}

	entityID, _ := e.Data["entity_id"].(string)
	entityType, _ := e.Data["entity_type"].(string)
	category, _ := e.Data["category"].(string)
	points, ok := toFloat(e.Data["points"])
	if !ok {
		return fmt.Errorf("ledger: points missing on %s", e.String())
	}

	multiplier := 1.0
	if m, ok := toFloat(e.Data["multiplier"]); ok && m > 0 {
		multiplier = m
	}

	evidenceID, _ := e.Data["evidence_event_id"].(string)
	if evidenceID == "" {
		evidenceID = e.EventID
	}

	tx := Transaction{
		ID:              uuid.New().String(),
		EntityID:        entityID,
		EntityType:      entityType,
		Points:          points * multiplier,
		Category:        category,
		Multiplier:      multiplier,
		EvidenceEventID: evidenceID,
		RecordedAt:      l.now(),
	}
	return l.Record(ctx, tx)
}

// Record appends a transaction and publishes the resulting score update.
// When an evidence checker is configured, a transaction citing an evidence
// event the store has never held is rejected.
func (l *Ledger) Record(ctx context.Context, tx Transaction) error {
	if tx.EntityID == "" {
		return fmt.Errorf("ledger: transaction missing entity id")
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.RecordedAt.IsZero() {
		tx.RecordedAt = l.now()
	}
	if l.evidence != nil && tx.EvidenceEventID != "" && !l.evidence.Contains(ctx, tx.EvidenceEventID) {
		return fmt.Errorf("ledger: evidence event %s not found in store", tx.EvidenceEventID)
	}

	s := l.stripeFor(tx.EntityID)
	s.mu.Lock()

	rec, ok := s.entities[tx.EntityID]
	if !ok {
		rec = &entityRecord{evidence: make(map[string]struct{})}
		s.entities[tx.EntityID] = rec
	}

	if tx.EvidenceEventID != "" {
		if _, dup := rec.evidence[tx.EvidenceEventID]; dup {
			s.mu.Unlock()
			slog.Debug("[Ledger] Duplicate evidence ignored",
				"entity", tx.EntityID, "evidence", tx.EvidenceEventID)
			return nil
		}
		rec.evidence[tx.EvidenceEventID] = struct{}{}
	}

	before := l.balanceLocked(rec)
	rec.txs = append(rec.txs, tx)
	after := l.balanceLocked(rec)
	s.mu.Unlock()

	root := l.audit.Append(tx)

	slog.Info("[Ledger] Trust points recorded",
		"entity", tx.EntityID, "points", tx.Points, "category", tx.Category,
		"balance", after.Balance, "tier", after.Tier, "audit_root", root[:12])

	l.publishUpdate(ctx, tx.EntityID, before, after)
	return nil
}

// balanceLocked computes the rolling-window standing. Caller holds the
// stripe lock.
func (l *Ledger) balanceLocked(rec *entityRecord) Balance {
	now := l.now()
	cutoff := now.AddDate(0, -l.windowMonths, 0)

	var sum float64
	breakdown := make(map[string]float64)
	count := 0
	for _, tx := range rec.txs {
		if tx.RecordedAt.Before(cutoff) {
			continue
		}
		sum += tx.Points
		breakdown[tx.Category] += tx.Points
		count++
	}

	score := sum
	if score < 0 {
		score = 0
	}
	if score > l.scoreCap {
		score = l.scoreCap
	}

	return Balance{
		Score:        score,
		Balance:      sum,
		Tier:         l.thresholds.Tier(sum),
		Breakdown:    breakdown,
		Transactions: count,
		UpdatedAt:    now,
	}
}

// publishUpdate emits trust.score.updated. The update is terminal: no
// routing rule fans it out, so awards can never feed back into awards.
func (l *Ledger) publishUpdate(ctx context.Context, entityID string, before, after Balance) {
	if l.publisher == nil {
		return
	}

	breakdown := make(map[string]interface{}, len(after.Breakdown))
	for k, v := range after.Breakdown {
		breakdown[k] = v
	}

	update := schema.NewEnvelope(schema.SourceTrustEngine, schema.EventTrustScoreUpdated, map[string]interface{}{
		"entity_id":      entityID,
		"previous_score": before.Score,
		"new_score":      after.Score,
		"change":         after.Score - before.Score,
		"tier":           after.Tier,
		"tier_change":    before.Tier != after.Tier,
		"breakdown":      breakdown,
	})
	if err := l.publisher.Publish(ctx, update); err != nil {
		slog.Warn("[Ledger] Failed to publish score update", "entity", entityID, "error", err)
	}
}

// GetBalance returns the entity's current standing. Unknown entities start
// at bronze with a zero balance.
func (l *Ledger) GetBalance(entityID string) Balance {
	s := l.stripeFor(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[entityID]
	if !ok {
		return Balance{
			EntityID:  entityID,
			Tier:      TierBronze,
			Breakdown: map[string]float64{},
			UpdatedAt: l.now(),
		}
	}

	balance := l.balanceLocked(rec)
	balance.EntityID = entityID
	return balance
}

// Transactions returns the entity's full append-only history, oldest first.
// Entries outside the rolling window are retained for audit.
func (l *Ledger) Transactions(entityID string) []Transaction {
	s := l.stripeFor(entityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	out := make([]Transaction, len(rec.txs))
	copy(out, rec.txs)
	return out
}

// Audit exposes the ledger's tamper-evidence tree.
func (l *Ledger) Audit() *AuditTree {
	return l.audit
}

// Entities lists every entity with at least one transaction, sorted.
func (l *Ledger) Entities() []string {
	var out []string
	for _, s := range l.stripes {
		s.mu.Lock()
		for id := range s.entities {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
