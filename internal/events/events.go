package events

import "context"

// Stream carrying every capsule and auction event.
const StreamCapsule = "events:capsule"

// Event types
const (
	EventCapsuleCreated = "capsule_created"
	EventBidPlaced      = "bid_placed"
	EventBidAccepted    = "bid_accepted"
	EventCapsuleOpened  = "capsule_opened"
)

// Payload key naming the user a notification is addressed to.
const NotifyUserKey = "notify_user_id"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// NotifyUserID returns the recipient of the event, if it has one.
func (e Event) NotifyUserID() string {
	v, _ := e.Payload[NotifyUserKey].(string)
	return v
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
