package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lingochat/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&ThreadModel{}, &GroupMemberModel{}, &MessageModel{}, &InviteModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// PairKey normalizes an unordered user pair into the unique key used for
// direct threads.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// UpsertDirectThread inserts the direct thread keyed by its user pair, or
// returns the existing one. The second result reports whether a new thread
// was created.
func (s *GormStore) UpsertDirectThread(t domain.Thread) (domain.Thread, bool, error) {
	model := threadToModel(t)
	key := PairKey(t.LearnerID, t.TutorID)
	model.PairKey = &key
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_key"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Thread{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		return threadFromModel(model), true, nil
	}
	var existing ThreadModel
	if err := s.db.First(&existing, "pair_key = ?", key).Error; err != nil {
		return domain.Thread{}, false, err
	}
	return threadFromModel(existing), false, nil
}

// CreateGroupThread creates the thread and its owner membership atomically.
func (s *GormStore) CreateGroupThread(t domain.Thread, owner domain.GroupMember) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := threadToModel(t)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		member := memberToModel(owner)
		return tx.Create(&member).Error
	})
}

// GetThread returns a thread by ID.
func (s *GormStore) GetThread(id string) (domain.Thread, bool, error) {
	var model ThreadModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Thread{}, false, nil
		}
		return domain.Thread{}, false, err
	}
	return threadFromModel(model), true, nil
}

// TouchThread advances last_message_at, never moving it backward.
func (s *GormStore) TouchThread(id string, at time.Time) error {
	return s.db.Model(&ThreadModel{}).
		Where("id = ? AND last_message_at < ?", id, at).
		Update("last_message_at", at).Error
}

// ListThreadsForUser returns every thread the user participates in, newest
// activity first.
func (s *GormStore) ListThreadsForUser(userID string) ([]domain.Thread, error) {
	var groupIDs []string
	if err := s.db.Model(&GroupMemberModel{}).
		Where("user_id = ?", userID).
		Pluck("thread_id", &groupIDs).Error; err != nil {
		return nil, err
	}
	var models []ThreadModel
	q := s.db.Order("last_message_at DESC")
	if len(groupIDs) > 0 {
		q = q.Where("learner_id = ? OR tutor_id = ? OR id IN ?", userID, userID, groupIDs)
	} else {
		q = q.Where("learner_id = ? OR tutor_id = ?", userID, userID)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Thread, 0, len(models))
	for _, m := range models {
		res = append(res, threadFromModel(m))
	}
	return res, nil
}

// AddMember inserts a membership row. Returns false when the user already
// belongs to the thread.
func (s *GormStore) AddMember(m domain.GroupMember) (bool, error) {
	model := memberToModel(m)
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RemoveMember deletes a membership row.
func (s *GormStore) RemoveMember(threadID, userID string) (bool, error) {
	res := s.db.Delete(&GroupMemberModel{}, "thread_id = ? AND user_id = ?", threadID, userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetMember fetches one membership row.
func (s *GormStore) GetMember(threadID, userID string) (domain.GroupMember, bool, error) {
	var model GroupMemberModel
	err := s.db.First(&model, "thread_id = ? AND user_id = ?", threadID, userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.GroupMember{}, false, nil
		}
		return domain.GroupMember{}, false, err
	}
	return memberFromModel(model), true, nil
}

// ListMembers returns the thread roster in join order.
func (s *GormStore) ListMembers(threadID string) ([]domain.GroupMember, error) {
	var models []GroupMemberModel
	if err := s.db.Where("thread_id = ?", threadID).Order("joined_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.GroupMember, 0, len(models))
	for _, m := range models {
		res = append(res, memberFromModel(m))
	}
	return res, nil
}

// IncrementUnread bumps unread_count for every member except the sender in a
// single statement.
func (s *GormStore) IncrementUnread(threadID, exceptUserID string) error {
	return s.db.Model(&GroupMemberModel{}).
		Where("thread_id = ? AND user_id <> ?", threadID, exceptUserID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
}

// AdvanceMemberRead moves the member's read pointer forward. Older timestamps
// are a no-op; the unread reset rides the same statement so a concurrent send
// cannot interleave between them.
func (s *GormStore) AdvanceMemberRead(threadID, userID string, at time.Time, resetUnread bool) error {
	updates := map[string]any{"last_read_at": at}
	if resetUnread {
		updates["unread_count"] = 0
	}
	return s.db.Model(&GroupMemberModel{}).
		Where("thread_id = ? AND user_id = ? AND last_read_at < ?", threadID, userID, at).
		Updates(updates).Error
}

// AdvanceDirectRead moves one side's read pointer on a direct thread,
// monotonically.
func (s *GormStore) AdvanceDirectRead(threadID string, role domain.DirectRole, at time.Time) error {
	col := "learner_last_read_at"
	if role == domain.RoleTutor {
		col = "tutor_last_read_at"
	}
	return s.db.Model(&ThreadModel{}).
		Where("id = ? AND "+col+" < ?", threadID, at).
		Update(col, at).Error
}

// InsertMessage performs insert-or-fetch on (sender_id, client_message_id).
// The second result reports whether a new row was stored; on a reused token
// the originally stored message is returned regardless of the new body.
func (s *GormStore) InsertMessage(m domain.Message) (domain.Message, bool, error) {
	model, err := messageToModel(m)
	if err != nil {
		return domain.Message{}, false, err
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sender_id"}, {Name: "client_message_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Message{}, false, res.Error
	}
	if res.RowsAffected > 0 {
		msg, err := messageFromModel(model)
		if err != nil {
			return domain.Message{}, false, err
		}
		return msg, true, nil
	}
	var existing MessageModel
	if err := s.db.First(&existing, "sender_id = ? AND client_message_id = ?", m.SenderID, m.ClientMessageID).Error; err != nil {
		return domain.Message{}, false, err
	}
	msg, err := messageFromModel(existing)
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, false, nil
}

// ListMessagesBefore returns up to limit messages strictly older than the
// cursor message, newest first. An empty cursor starts from the newest
// message; an unknown cursor yields an empty page.
func (s *GormStore) ListMessagesBefore(threadID, cursorID string, limit int) ([]domain.Message, error) {
	q := s.db.Where("thread_id = ?", threadID)
	if cursorID != "" {
		var cursor MessageModel
		err := s.db.First(&cursor, "id = ? AND thread_id = ?", cursorID, threadID).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return []domain.Message{}, nil
			}
			return nil, err
		}
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var models []MessageModel
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, nil
}

// LatestMessage returns the newest message of a thread.
func (s *GormStore) LatestMessage(threadID string) (domain.Message, bool, error) {
	var model MessageModel
	err := s.db.Where("thread_id = ?", threadID).
		Order("created_at DESC, id DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msg, err := messageFromModel(model)
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// CountMessagesAfter counts messages newer than after, excluding one sender.
// Used to compute unread counts for direct threads.
func (s *GormStore) CountMessagesAfter(threadID string, after time.Time, exceptSenderID string) (int, error) {
	var count int64
	err := s.db.Model(&MessageModel{}).
		Where("thread_id = ? AND created_at > ? AND sender_id <> ?", threadID, after, exceptSenderID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// CreateInvite stores a new invite.
func (s *GormStore) CreateInvite(inv domain.Invite) error {
	model := inviteToModel(inv)
	return s.db.Create(&model).Error
}

// GetInvite returns an invite by ID.
func (s *GormStore) GetInvite(id string) (domain.Invite, bool, error) {
	var model InviteModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Invite{}, false, nil
		}
		return domain.Invite{}, false, err
	}
	return inviteFromModel(model), true, nil
}

// ListInvitesForUser returns pending invites addressed to the user.
func (s *GormStore) ListInvitesForUser(userID string) ([]domain.Invite, error) {
	var models []InviteModel
	err := s.db.Where("invited_user_id = ? AND status = ?", userID, string(domain.InvitePending)).
		Order("created_at DESC").Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Invite, 0, len(models))
	for _, m := range models {
		res = append(res, inviteFromModel(m))
	}
	return res, nil
}

// AcceptInvite transitions pending→accepted and creates the membership in one
// transaction. Returns false when the invite was not pending.
func (s *GormStore) AcceptInvite(id string, member domain.GroupMember) (bool, error) {
	accepted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&InviteModel{}).
			Where("id = ? AND status = ?", id, string(domain.InvitePending)).
			Update("status", string(domain.InviteAccepted))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		accepted = true
		model := memberToModel(member)
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
	})
	return accepted, err
}

// SetInviteStatus performs a conditional status transition. Returns false
// when the invite was not in the expected state.
func (s *GormStore) SetInviteStatus(id string, from, to domain.InviteStatus) (bool, error) {
	res := s.db.Model(&InviteModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ID:                t.ID,
		Kind:              string(t.Kind),
		Name:              t.Name,
		LearnerID:         t.LearnerID,
		TutorID:           t.TutorID,
		LearnerLastReadAt: t.LearnerLastReadAt,
		TutorLastReadAt:   t.TutorLastReadAt,
		CreatedAt:         t.CreatedAt,
		LastMessageAt:     t.LastMessageAt,
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:                m.ID,
		Kind:              domain.ThreadKind(m.Kind),
		Name:              m.Name,
		LearnerID:         m.LearnerID,
		TutorID:           m.TutorID,
		LearnerLastReadAt: m.LearnerLastReadAt,
		TutorLastReadAt:   m.TutorLastReadAt,
		CreatedAt:         m.CreatedAt,
		LastMessageAt:     m.LastMessageAt,
	}
}

func memberToModel(m domain.GroupMember) GroupMemberModel {
	return GroupMemberModel{
		ThreadID:    m.ThreadID,
		UserID:      m.UserID,
		Role:        string(m.Role),
		JoinedAt:    m.JoinedAt,
		LastReadAt:  m.LastReadAt,
		UnreadCount: m.UnreadCount,
	}
}

func memberFromModel(m GroupMemberModel) domain.GroupMember {
	return domain.GroupMember{
		ThreadID:    m.ThreadID,
		UserID:      m.UserID,
		Role:        domain.MemberRole(m.Role),
		JoinedAt:    m.JoinedAt,
		LastReadAt:  m.LastReadAt,
		UnreadCount: m.UnreadCount,
	}
}

func messageToModel(m domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:              m.ID,
		ThreadID:        m.ThreadID,
		SenderID:        m.SenderID,
		ClientMessageID: m.ClientMessageID,
		Body:            m.Body,
		CreatedAt:       m.CreatedAt,
	}
	if m.Metadata != nil {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode metadata: %w", err)
		}
		model.Metadata = data
	}
	return model, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:              m.ID,
		ThreadID:        m.ThreadID,
		SenderID:        m.SenderID,
		ClientMessageID: m.ClientMessageID,
		Body:            m.Body,
		CreatedAt:       m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		var meta domain.MessageMetadata
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.Message{}, fmt.Errorf("decode metadata: %w", err)
		}
		msg.Metadata = &meta
	}
	return msg, nil
}

func inviteToModel(i domain.Invite) InviteModel {
	return InviteModel{
		ID:              i.ID,
		GroupID:         i.GroupID,
		InvitedUserID:   i.InvitedUserID,
		InvitedByUserID: i.InvitedByUserID,
		Status:          string(i.Status),
		CreatedAt:       i.CreatedAt,
	}
}

func inviteFromModel(m InviteModel) domain.Invite {
	return domain.Invite{
		ID:              m.ID,
		GroupID:         m.GroupID,
		InvitedUserID:   m.InvitedUserID,
		InvitedByUserID: m.InvitedByUserID,
		Status:          domain.InviteStatus(m.Status),
		CreatedAt:       m.CreatedAt,
	}
}
