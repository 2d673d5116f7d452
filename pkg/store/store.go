package store

import (
	"time"

	"lingochat/pkg/domain"
)

// Store defines persistence for threads, memberships, messages, read state,
// and invites. All uniqueness and ordering invariants are enforced here, not
// at the application layer.
type Store interface {
	// threads
	UpsertDirectThread(t domain.Thread) (domain.Thread, bool, error)
	CreateGroupThread(t domain.Thread, owner domain.GroupMember) error
	GetThread(id string) (domain.Thread, bool, error)
	TouchThread(id string, at time.Time) error
	ListThreadsForUser(userID string) ([]domain.Thread, error)

	// group membership
	AddMember(m domain.GroupMember) (bool, error)
	RemoveMember(threadID, userID string) (bool, error)
	GetMember(threadID, userID string) (domain.GroupMember, bool, error)
	ListMembers(threadID string) ([]domain.GroupMember, error)
	IncrementUnread(threadID, exceptUserID string) error
	AdvanceMemberRead(threadID, userID string, at time.Time, resetUnread bool) error

	// direct-thread read pointers
	AdvanceDirectRead(threadID string, role domain.DirectRole, at time.Time) error

	// messages
	InsertMessage(m domain.Message) (domain.Message, bool, error)
	ListMessagesBefore(threadID, cursorID string, limit int) ([]domain.Message, error)
	LatestMessage(threadID string) (domain.Message, bool, error)
	CountMessagesAfter(threadID string, after time.Time, exceptSenderID string) (int, error)

	// invites
	CreateInvite(inv domain.Invite) error
	GetInvite(id string) (domain.Invite, bool, error)
	ListInvitesForUser(userID string) ([]domain.Invite, error)
	AcceptInvite(id string, member domain.GroupMember) (bool, error)
	SetInviteStatus(id string, from, to domain.InviteStatus) (bool, error)
}
