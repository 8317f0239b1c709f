package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/redis/go-redis/v9"
)

// NotificationStore keeps each notification as a JSON string and tracks read
// state in a per-owner unread set, so marking read never rewrites the body.
type NotificationStore struct {
	rdb *redis.Client
}

func NewNotificationStore(rdb *redis.Client) *NotificationStore {
	return &NotificationStore{rdb: rdb}
}

func notificationKey(id string) string   { return fmt.Sprintf(KeyNotification, id) }
func ownerListKey(owner string) string   { return fmt.Sprintf(KeyOwnerNotifications, owner) }
func ownerUnreadKey(owner string) string { return fmt.Sprintf(KeyOwnerUnread, owner) }

func (s *NotificationStore) Insert(ctx context.Context, n models.Notification) error {
	body := n
	body.Read = false
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}

	created, err := s.rdb.SetNX(ctx, notificationKey(n.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	if !created {
		return fmt.Errorf("insert notification %s: %w", n.ID, store.ErrAlreadyExists)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, ownerListKey(n.OwnerID), n.ID)
		if !n.Read {
			pipe.SAdd(ctx, ownerUnreadKey(n.OwnerID), n.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *NotificationStore) load(ctx context.Context, id string) (models.Notification, error) {
	data, err := s.rdb.Get(ctx, notificationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Notification{}, fmt.Errorf("get notification %s: %w", id, err)
	}
	var n models.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return models.Notification{}, fmt.Errorf("decode notification %s: %w", id, err)
	}
	return n, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, ownerID, id string) error {
	n, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if n.OwnerID != ownerID {
		return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	if err := s.rdb.SRem(ctx, ownerUnreadKey(n.OwnerID), id).Err(); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead empties the owner's unread set and returns how many entries it
// held.
func (s *NotificationStore) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	var count *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.SCard(ctx, ownerUnreadKey(ownerID))
		pipe.Del(ctx, ownerUnreadKey(ownerID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark all read for %s: %w", ownerID, err)
	}
	return int(count.Val()), nil
}

func (s *NotificationStore) CountUnread(ctx context.Context, ownerID string) (int, error) {
	n, err := s.rdb.SCard(ctx, ownerUnreadKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", ownerID, err)
	}
	return int(n), nil
}

func (s *NotificationStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Notification, error) {
	ids, err := s.rdb.LRange(ctx, ownerListKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", ownerID, err)
	}
	if len(ids) == 0 {
		return []models.Notification{}, nil
	}

	unread, err := s.rdb.SMembersMap(ctx, ownerUnreadKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load unread set for %s: %w", ownerID, err)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = notificationKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load notifications for %s: %w", ownerID, err)
	}

	out := make([]models.Notification, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var n models.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", ids[i], err)
		}
		_, isUnread := unread[n.ID]
		n.Read = !isUnread
		out = append(out, n)
	}
	return out, nil
}
