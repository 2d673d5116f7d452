package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ThreadModel struct {
	ID   string `gorm:"primaryKey"`
	Kind string `gorm:"not null;index"`
	Name string

	LearnerID string `gorm:"index"`
	TutorID   string `gorm:"index"`
	// PairKey is the normalized unordered pair for direct threads, nil for
	// groups. The unique index makes direct-thread creation an upsert.
	PairKey *string `gorm:"uniqueIndex"`

	LearnerLastReadAt time.Time
	TutorLastReadAt   time.Time

	CreatedAt     time.Time `gorm:"not null"`
	LastMessageAt time.Time `gorm:"not null;index"`
}

func (ThreadModel) TableName() string { return "threads" }

type GroupMemberModel struct {
	ThreadID    string    `gorm:"primaryKey"`
	UserID      string    `gorm:"primaryKey;index"`
	Role        string    `gorm:"not null"`
	JoinedAt    time.Time `gorm:"not null"`
	LastReadAt  time.Time
	UnreadCount int `gorm:"not null;default:0"`
}

func (GroupMemberModel) TableName() string { return "group_members" }

type MessageModel struct {
	ID              string `gorm:"primaryKey"`
	ThreadID        string `gorm:"not null;index:idx_messages_thread_created,priority:1"`
	SenderID        string `gorm:"not null;uniqueIndex:ux_messages_sender_client,priority:1"`
	ClientMessageID string `gorm:"not null;uniqueIndex:ux_messages_sender_client,priority:2"`
	Body            string `gorm:"type:text;not null"`
	Metadata        datatypes.JSON
	CreatedAt       time.Time `gorm:"not null;index:idx_messages_thread_created,priority:2"`
}

func (MessageModel) TableName() string { return "messages" }

type InviteModel struct {
	ID              string    `gorm:"primaryKey"`
	GroupID         string    `gorm:"not null;index"`
	InvitedUserID   string    `gorm:"not null;index"`
	InvitedByUserID string    `gorm:"not null"`
	Status          string    `gorm:"not null;index"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (InviteModel) TableName() string { return "invites" }
