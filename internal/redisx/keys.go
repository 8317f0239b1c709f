package redisx

const (
	// Notification body as JSON: notif:{id}
	KeyNotification = "notif:%s"

	// Owner's notification ids, newest first: notifs:{owner_id}
	KeyOwnerNotifications = "notifs:%s"

	// Owner's unread notification ids: notifs:{owner_id}:unread
	KeyOwnerUnread = "notifs:%s:unread"
)
