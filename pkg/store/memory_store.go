package store

import (
	"sort"
	"sync"
	"time"

	"lingochat/pkg/domain"
)

// MemoryStore keeps all state in-process. It backs tests and local
// development and honors the same invariants as the Postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]domain.Thread
	pairs    map[string]string                     // pair key -> thread ID
	members  map[string]map[string]domain.GroupMember // thread ID -> user ID -> member
	messages map[string][]domain.Message           // thread ID -> messages in insertion order
	byToken  map[string]domain.Message             // sender+token -> message
	invites  map[string]domain.Invite
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]domain.Thread),
		pairs:    make(map[string]string),
		members:  make(map[string]map[string]domain.GroupMember),
		messages: make(map[string][]domain.Message),
		byToken:  make(map[string]domain.Message),
		invites:  make(map[string]domain.Invite),
	}
}

func tokenKey(senderID, clientMessageID string) string {
	return senderID + "\x00" + clientMessageID
}

// UpsertDirectThread creates or returns the direct thread for the pair.
func (m *MemoryStore) UpsertDirectThread(t domain.Thread) (domain.Thread, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := PairKey(t.LearnerID, t.TutorID)
	if id, ok := m.pairs[key]; ok {
		return m.threads[id], false, nil
	}
	m.threads[t.ID] = t
	m.pairs[key] = t.ID
	return t, true, nil
}

// CreateGroupThread stores the thread with its owner membership.
func (m *MemoryStore) CreateGroupThread(t domain.Thread, owner domain.GroupMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = t
	m.members[t.ID] = map[string]domain.GroupMember{owner.UserID: owner}
	return nil
}

// GetThread returns a thread by ID.
func (m *MemoryStore) GetThread(id string) (domain.Thread, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	return t, ok, nil
}

// TouchThread advances last_message_at monotonically.
func (m *MemoryStore) TouchThread(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || !t.LastMessageAt.Before(at) {
		return nil
	}
	t.LastMessageAt = at
	m.threads[id] = t
	return nil
}

// ListThreadsForUser returns the user's threads, newest activity first.
func (m *MemoryStore) ListThreadsForUser(userID string) ([]domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		switch t.Kind {
		case domain.ThreadDirect:
			if t.LearnerID == userID || t.TutorID == userID {
				res = append(res, t)
			}
		case domain.ThreadGroup:
			if _, ok := m.members[t.ID][userID]; ok {
				res = append(res, t)
			}
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].LastMessageAt.After(res[j].LastMessageAt)
	})
	return res, nil
}

// AddMember inserts a membership unless one exists.
func (m *MemoryStore) AddMember(member domain.GroupMember) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.members[member.ThreadID]
	if room == nil {
		room = make(map[string]domain.GroupMember)
		m.members[member.ThreadID] = room
	}
	if _, exists := room[member.UserID]; exists {
		return false, nil
	}
	room[member.UserID] = member
	return true, nil
}

// RemoveMember deletes a membership.
func (m *MemoryStore) RemoveMember(threadID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.members[threadID]
	if _, ok := room[userID]; !ok {
		return false, nil
	}
	delete(room, userID)
	return true, nil
}

// GetMember fetches one membership.
func (m *MemoryStore) GetMember(threadID, userID string) (domain.GroupMember, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[threadID][userID]
	return member, ok, nil
}

// ListMembers returns the roster in join order.
func (m *MemoryStore) ListMembers(threadID string) ([]domain.GroupMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.GroupMember, 0, len(m.members[threadID]))
	for _, member := range m.members[threadID] {
		res = append(res, member)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].JoinedAt.Equal(res[j].JoinedAt) {
			return res[i].UserID < res[j].UserID
		}
		return res[i].JoinedAt.Before(res[j].JoinedAt)
	})
	return res, nil
}

// IncrementUnread bumps unread for every member except the sender.
func (m *MemoryStore) IncrementUnread(threadID, exceptUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, member := range m.members[threadID] {
		if id == exceptUserID {
			continue
		}
		member.UnreadCount++
		m.members[threadID][id] = member
	}
	return nil
}

// AdvanceMemberRead moves the pointer forward and optionally resets unread.
func (m *MemoryStore) AdvanceMemberRead(threadID, userID string, at time.Time, resetUnread bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[threadID][userID]
	if !ok || !member.LastReadAt.Before(at) {
		return nil
	}
	member.LastReadAt = at
	if resetUnread {
		member.UnreadCount = 0
	}
	m.members[threadID][userID] = member
	return nil
}

// AdvanceDirectRead moves one side's pointer on a direct thread.
func (m *MemoryStore) AdvanceDirectRead(threadID string, role domain.DirectRole, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil
	}
	switch role {
	case domain.RoleLearner:
		if t.LearnerLastReadAt.Before(at) {
			t.LearnerLastReadAt = at
		}
	case domain.RoleTutor:
		if t.TutorLastReadAt.Before(at) {
			t.TutorLastReadAt = at
		}
	}
	m.threads[threadID] = t
	return nil
}

// InsertMessage performs insert-or-fetch on (sender, client message ID).
func (m *MemoryStore) InsertMessage(msg domain.Message) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tokenKey(msg.SenderID, msg.ClientMessageID)
	if existing, ok := m.byToken[key]; ok {
		return existing, false, nil
	}
	m.byToken[key] = msg
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], msg)
	return msg, true, nil
}

// ListMessagesBefore returns up to limit messages older than the cursor,
// newest first. Unknown cursors yield an empty page.
func (m *MemoryStore) ListMessagesBefore(threadID, cursorID string, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedDesc(threadID)
	start := 0
	if cursorID != "" {
		start = -1
		for i, msg := range all {
			if msg.ID == cursorID {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return []domain.Message{}, nil
		}
	}
	res := make([]domain.Message, 0, limit)
	for i := start; i < len(all) && len(res) < limit; i++ {
		res = append(res, all[i])
	}
	return res, nil
}

// LatestMessage returns the newest message of a thread.
func (m *MemoryStore) LatestMessage(threadID string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sortedDesc(threadID)
	if len(all) == 0 {
		return domain.Message{}, false, nil
	}
	return all[0], true, nil
}

// CountMessagesAfter counts messages newer than after, excluding one sender.
func (m *MemoryStore) CountMessagesAfter(threadID string, after time.Time, exceptSenderID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages[threadID] {
		if msg.SenderID != exceptSenderID && msg.CreatedAt.After(after) {
			count++
		}
	}
	return count, nil
}

// CreateInvite stores a new invite.
func (m *MemoryStore) CreateInvite(inv domain.Invite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[inv.ID] = inv
	return nil
}

// GetInvite returns an invite by ID.
func (m *MemoryStore) GetInvite(id string) (domain.Invite, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invites[id]
	return inv, ok, nil
}

// ListInvitesForUser returns pending invites addressed to the user.
func (m *MemoryStore) ListInvitesForUser(userID string) ([]domain.Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Invite, 0)
	for _, inv := range m.invites {
		if inv.InvitedUserID == userID && inv.Status == domain.InvitePending {
			res = append(res, inv)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// AcceptInvite transitions pending→accepted and creates the membership.
func (m *MemoryStore) AcceptInvite(id string, member domain.GroupMember) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok || inv.Status != domain.InvitePending {
		return false, nil
	}
	inv.Status = domain.InviteAccepted
	m.invites[id] = inv
	room := m.members[member.ThreadID]
	if room == nil {
		room = make(map[string]domain.GroupMember)
		m.members[member.ThreadID] = room
	}
	if _, exists := room[member.UserID]; !exists {
		room[member.UserID] = member
	}
	return true, nil
}

// SetInviteStatus performs a conditional status transition.
func (m *MemoryStore) SetInviteStatus(id string, from, to domain.InviteStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok || inv.Status != from {
		return false, nil
	}
	inv.Status = to
	m.invites[id] = inv
	return true, nil
}

func (m *MemoryStore) sortedDesc(threadID string) []domain.Message {
	all := make([]domain.Message, len(m.messages[threadID]))
	copy(all, m.messages[threadID])
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all
}
