package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/purchase/domain"
)

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

type memoryLedger struct {
	genID *snowflake.Node
	clock clock.Clock

	keys keyedMutex

	mu    sync.RWMutex
	byID   map[snowflake.ID]*domain.Purchase
	byRef  map[string]snowflake.ID
	polled map[snowflake.ID]time.Time
}

// NewMemoryLedger returns an in-process Ledger. Mutations of one purchase are
// serialized by a per-purchase mutex; creation and completion of one
// (user, resource) pair by a per-pair mutex.
func NewMemoryLedger(genID *snowflake.Node, clk clock.Clock) domain.Ledger {
	return &memoryLedger{
		genID: genID,
		clock: clk,
		byID:   make(map[snowflake.ID]*domain.Purchase),
		byRef:  make(map[string]snowflake.ID),
		polled: make(map[snowflake.ID]time.Time),
	}
}

func pairKey(userID, resourceID string) string {
	return "pair:" + userID + "\x00" + resourceID
}

func purchaseKey(id snowflake.ID) string {
	return "purchase:" + id.String()
}

func (l *memoryLedger) Create(_ context.Context, input domain.CreateInput) (*domain.Purchase, error) {
	userID := strings.TrimSpace(input.UserID)
	resourceID := strings.TrimSpace(input.ResourceID)

	unlock := l.keys.lock(pairKey(userID, resourceID))
	defer unlock()

	if l.hasCompleted(userID, resourceID, 0) {
		return nil, domain.ErrDuplicatePurchase
	}

	now := l.clock.Now().UTC()
	p := &domain.Purchase{
		ID:            l.genID.Generate(),
		UserID:        userID,
		ResourceID:    resourceID,
		Amount:        input.Amount,
		Currency:      input.Currency,
		PaymentMethod: input.PaymentMethod,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	l.mu.Lock()
	l.byID[p.ID] = p
	l.mu.Unlock()
	return clonePurchase(p), nil
}

func (l *memoryLedger) FindByID(_ context.Context, id snowflake.ID) (*domain.Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePurchase(p), nil
}

func (l *memoryLedger) FindByGatewayReference(_ context.Context, ref string) (*domain.Purchase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byRef[strings.TrimSpace(ref)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePurchase(l.byID[id]), nil
}

func (l *memoryLedger) AttachGatewayReference(_ context.Context, id snowflake.ID, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.ErrInvalidRequest
	}

	unlock := l.keys.lock(purchaseKey(id))
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.GatewayReference != nil {
		return domain.ErrAlreadyAttached
	}
	if _, taken := l.byRef[ref]; taken {
		return domain.ErrAlreadyAttached
	}
	p.GatewayReference = &ref
	p.UpdatedAt = l.clock.Now().UTC()
	l.byRef[ref] = id
	return nil
}

func (l *memoryLedger) TransitionTerminal(_ context.Context, input domain.TransitionInput) (bool, error) {
	if err := domain.ValidateTransition(input); err != nil {
		return false, err
	}

	unlock := l.keys.lock(purchaseKey(input.PurchaseID))
	defer unlock()

	l.mu.RLock()
	current, ok := l.byID[input.PurchaseID]
	var status domain.Status
	var userID, resourceID string
	if ok {
		status = current.Status
		userID, resourceID = current.UserID, current.ResourceID
	}
	l.mu.RUnlock()

	if !ok {
		return false, domain.ErrNotFound
	}
	if status != domain.StatusPending {
		return false, nil
	}

	if input.Status == domain.StatusCompleted {
		unlockPair := l.keys.lock(pairKey(userID, resourceID))
		defer unlockPair()
		if l.hasCompleted(userID, resourceID, input.PurchaseID) {
			return false, domain.ErrDuplicateCompletion
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.byID[input.PurchaseID]
	p.Status = input.Status
	p.UpdatedAt = l.clock.Now().UTC()
	if input.Status == domain.StatusCompleted {
		f := *input.Fulfillment
		f.ExpiresAt = f.ExpiresAt.UTC()
		p.Fulfillment = &f
	} else {
		reason := input.Reason
		p.FailureReason = &reason
	}
	return true, nil
}

func (l *memoryLedger) HasCompleted(_ context.Context, userID, resourceID string) (bool, error) {
	return l.hasCompleted(userID, resourceID, 0), nil
}

func (l *memoryLedger) hasCompleted(userID, resourceID string, except snowflake.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, p := range l.byID {
		if id == except {
			continue
		}
		if p.UserID == userID && p.ResourceID == resourceID && p.Status == domain.StatusCompleted {
			return true
		}
	}
	return false
}

func (l *memoryLedger) ListPendingWithReference(_ context.Context, olderThan time.Time, limit int) ([]*domain.Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	out := make([]*domain.Purchase, 0)
	polled := make(map[snowflake.ID]time.Time)
	for _, p := range l.byID {
		if p.Status == domain.StatusPending && p.GatewayReference != nil && p.CreatedAt.Before(olderThan) {
			out = append(out, clonePurchase(p))
			if at, ok := l.polled[p.ID]; ok {
				polled[p.ID] = at
			}
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		pi, iok := polled[out[i].ID]
		pj, jok := polled[out[j].ID]
		if iok != jok {
			return !iok
		}
		if iok && !pi.Equal(pj) {
			return pi.Before(pj)
		}
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryLedger) MarkPolled(_ context.Context, ids []snowflake.ID, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if p, ok := l.byID[id]; ok && p.Status == domain.StatusPending {
			l.polled[id] = at.UTC()
		}
	}
	return nil
}

func clonePurchase(p *domain.Purchase) *domain.Purchase {
	if p == nil {
		return nil
	}
	cp := *p
	if p.GatewayReference != nil {
		ref := *p.GatewayReference
		cp.GatewayReference = &ref
	}
	if p.Fulfillment != nil {
		f := *p.Fulfillment
		cp.Fulfillment = &f
	}
	if p.FailureReason != nil {
		reason := *p.FailureReason
		cp.FailureReason = &reason
	}
	return &cp
}

var _ domain.Ledger = (*memoryLedger)(nil)
