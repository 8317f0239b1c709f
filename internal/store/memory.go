package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jogardn/harvest-orders/pkg/models"
)

// MemoryOrderStore keeps orders in process. Update is serialized per order id.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]models.Order
	locks  *KeyedMutex
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders: make(map[string]models.Order),
		locks:  NewKeyedMutex(),
	}
}

func (s *MemoryOrderStore) Create(ctx context.Context, order models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("create order %s: %w", order.ID, ErrAlreadyExists)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) GetOrder(ctx context.Context, id string) (models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("get order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

// ListOrders returns the orders visible to actor, newest first.
func (s *MemoryOrderStore) ListOrders(ctx context.Context, actor models.Actor) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if actor.Owns(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Update applies mutate to a copy of the order while holding the order's
// lock and stores the copy only if mutate succeeds. On error the stored
// order is returned unchanged.
func (s *MemoryOrderStore) Update(ctx context.Context, id string, mutate func(*models.Order) error) (models.Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return models.Order{}, err
	}
	if err := ctx.Err(); err != nil {
		return current, err
	}

	local := current.Clone()
	if err := mutate(&local); err != nil {
		return current, err
	}

	s.mu.Lock()
	s.orders[id] = local.Clone()
	s.mu.Unlock()
	return local, nil
}

// MemoryNotificationStore is an in-process notification log.
type MemoryNotificationStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.Notification
	byOwner map[string][]string
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{
		byID:    make(map[string]*models.Notification),
		byOwner: make(map[string][]string),
	}
}

func (s *MemoryNotificationStore) Insert(ctx context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[n.ID]; exists {
		return fmt.Errorf("insert notification %s: %w", n.ID, ErrAlreadyExists)
	}
	stored := n
	s.byID[n.ID] = &stored
	s.byOwner[n.OwnerID] = append(s.byOwner[n.OwnerID], n.ID)
	return nil
}

func (s *MemoryNotificationStore) MarkRead(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byID[id]
	if !ok || n.OwnerID != ownerID {
		return fmt.Errorf("mark notification %s read: %w", id, ErrNotFound)
	}
	n.Read = true
	return nil
}

func (s *MemoryNotificationStore) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range s.byOwner[ownerID] {
		if n := s.byID[id]; !n.Read {
			n.Read = true
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryNotificationStore) CountUnread(ctx context.Context, ownerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, id := range s.byOwner[ownerID] {
		if !s.byID[id].Read {
			count++
		}
	}
	return count, nil
}

// ListByOwner returns the owner's notifications, newest first.
func (s *MemoryNotificationStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOwner[ownerID]
	out := make([]models.Notification, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, *s.byID[ids[i]])
	}
	return out, nil
}
