package models

import "time"

type NotificationKind string

const (
	KindOrder        NotificationKind = "order"
	KindStock        NotificationKind = "stock"
	KindPayment      NotificationKind = "payment"
	KindMessage      NotificationKind = "message"
	KindAnnouncement NotificationKind = "announcement"
)

func (k NotificationKind) Valid() bool {
	switch k {
	case KindOrder, KindStock, KindPayment, KindMessage, KindAnnouncement:
		return true
	}
	return false
}

type Notification struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}
