package domain

import (
	"encoding/json"
	"time"
)

// Event types pushed to connected clients.
const (
	EventMessageNew      = "message:new"
	EventNotificationNew = "notification:new"
)

// Notification payload types carried by notification:new.
const (
	NotifyInviteNew      = "invite:new"
	NotifyInviteAccepted = "invite:accepted"
	NotifyInviteDeclined = "invite:declined"
	NotifyMemberJoined   = "group:member_joined"
	NotifyMemberLeft     = "group:member_left"
)

// Event is the envelope written to client connections.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sentAt"`
}

// MessageEventPayload carries a freshly stored message.
type MessageEventPayload struct {
	ThreadID string  `json:"threadId"`
	Message  Message `json:"message"`
}

// NotificationPayload is a tagged union over out-of-band notifications.
// Clients switch on Type; unrecognized types fall through to Raw.
type NotificationPayload struct {
	Type    string          `json:"type"`
	Invite  *Invite         `json:"invite,omitempty"`
	GroupID string          `json:"groupId,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// NewMessageEvent builds a message:new event for msg.
func NewMessageEvent(msg Message) Event {
	payload, _ := json.Marshal(MessageEventPayload{ThreadID: msg.ThreadID, Message: msg})
	return Event{Type: EventMessageNew, Payload: payload, SentAt: time.Now().UTC()}
}

// NewNotificationEvent builds a notification:new event.
func NewNotificationEvent(n NotificationPayload) Event {
	payload, _ := json.Marshal(n)
	return Event{Type: EventNotificationNew, Payload: payload, SentAt: time.Now().UTC()}
}

// Encode serializes the event for the wire.
func (e Event) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}
