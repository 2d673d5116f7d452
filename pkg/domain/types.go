package domain

import "time"

type ThreadKind string

const (
	ThreadDirect ThreadKind = "direct"
	ThreadGroup  ThreadKind = "group"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

type DirectRole string

const (
	RoleLearner DirectRole = "learner"
	RoleTutor   DirectRole = "tutor"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
	InviteCanceled InviteStatus = "canceled"
)

// Thread is a conversation container. Direct threads carry the fixed
// learner/tutor pair and their read pointers inline; group threads keep
// membership and read state in GroupMember rows.
type Thread struct {
	ID   string     `json:"id"`
	Kind ThreadKind `json:"kind"`
	Name string     `json:"name,omitempty"`

	LearnerID         string    `json:"learnerId,omitempty"`
	TutorID           string    `json:"tutorId,omitempty"`
	LearnerLastReadAt time.Time `json:"-"`
	TutorLastReadAt   time.Time `json:"-"`

	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// DirectRoleOf returns the role userID plays in a direct thread, or "" when
// the user is not one of the pair.
func (t Thread) DirectRoleOf(userID string) DirectRole {
	if t.Kind != ThreadDirect {
		return ""
	}
	switch userID {
	case t.LearnerID:
		return RoleLearner
	case t.TutorID:
		return RoleTutor
	}
	return ""
}

// GroupMember is one user's membership in a group thread. At most one row
// exists per (thread, user).
type GroupMember struct {
	ThreadID    string     `json:"threadId"`
	UserID      string     `json:"userId"`
	Role        MemberRole `json:"role"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LastReadAt  time.Time  `json:"lastReadAt"`
	UnreadCount int        `json:"unreadCount"`
}

// Message is immutable once created. ClientMessageID is the caller-chosen
// idempotency token; (SenderID, ClientMessageID) is unique.
type Message struct {
	ID              string           `json:"id"`
	ThreadID        string           `json:"threadId"`
	SenderID        string           `json:"senderId"`
	Body            string           `json:"body"`
	ClientMessageID string           `json:"clientMessageId"`
	Metadata        *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Invite is a pending offer of group membership. Accepting from pending
// atomically creates the membership.
type Invite struct {
	ID              string       `json:"id"`
	GroupID         string       `json:"groupId"`
	InvitedUserID   string       `json:"invitedUserId"`
	InvitedByUserID string       `json:"invitedByUserId"`
	Status          InviteStatus `json:"status"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// ReadPointer reports a participant's read watermark for one thread.
type ReadPointer struct {
	ThreadID   string    `json:"threadId"`
	UserID     string    `json:"userId"`
	LastReadAt time.Time `json:"lastReadAt"`
}

// ThreadSummary is the thread-list projection: the thread plus the caller's
// unread count and the newest message for preview.
type ThreadSummary struct {
	Thread      Thread   `json:"thread"`
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}
