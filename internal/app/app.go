package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"lingochat/pkg/domain"
	"lingochat/pkg/store"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
	maxBodyLen      = 4000
	maxTokenLen     = 64

	pushTimeout = 5 * time.Second
)

// Notifier delivers an event to every live connection of a user. Delivery is
// best-effort and at-most-once; users without connections are skipped.
type Notifier interface {
	NotifyUser(userID string, event domain.Event)
}

// PushPublisher hands events to the out-of-band push pipeline.
type PushPublisher interface {
	Publish(ctx context.Context, userID string, event domain.Event) error
}

// Config wires the application core.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Notifier    Notifier
	Push        PushPublisher
}

// App implements the messaging operations: thread and group lifecycle,
// idempotent send, history pagination, and read tracking.
type App struct {
	store    store.Store
	notifier Notifier
	push     PushPublisher
	now      func() time.Time
}

// New constructs the application with database-backed storage by default.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	return &App{
		store:    dataStore,
		notifier: cfg.Notifier,
		push:     cfg.Push,
		now:      time.Now,
	}, nil
}

// CreateDirectThread returns the direct thread for the learner/tutor pair,
// creating it when absent. Safe to call repeatedly.
func (a *App) CreateDirectThread(learnerID, tutorID string) (domain.Thread, error) {
	learnerID = strings.TrimSpace(learnerID)
	tutorID = strings.TrimSpace(tutorID)
	if learnerID == "" || tutorID == "" {
		return domain.Thread{}, fmt.Errorf("%w: learnerId and tutorId required", ErrValidation)
	}
	if learnerID == tutorID {
		return domain.Thread{}, fmt.Errorf("%w: learner and tutor must differ", ErrValidation)
	}
	now := a.now().UTC()
	thread, _, err := a.store.UpsertDirectThread(domain.Thread{
		ID:            uuid.NewString(),
		Kind:          domain.ThreadDirect,
		LearnerID:     learnerID,
		TutorID:       tutorID,
		CreatedAt:     now,
		LastMessageAt: now,
	})
	if err != nil {
		return domain.Thread{}, fmt.Errorf("upsert direct thread: %w", err)
	}
	return thread, nil
}

// CreateGroup creates a group thread owned by ownerID.
func (a *App) CreateGroup(ownerID, name string) (domain.Thread, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return domain.Thread{}, fmt.Errorf("%w: ownerId required", ErrValidation)
	}
	if name == "" {
		return domain.Thread{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	now := a.now().UTC()
	thread := domain.Thread{
		ID:            uuid.NewString(),
		Kind:          domain.ThreadGroup,
		Name:          name,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	owner := domain.GroupMember{
		ThreadID:   thread.ID,
		UserID:     ownerID,
		Role:       domain.RoleOwner,
		JoinedAt:   now,
		LastReadAt: now,
	}
	if err := a.store.CreateGroupThread(thread, owner); err != nil {
		return domain.Thread{}, fmt.Errorf("create group: %w", err)
	}
	return thread, nil
}

// InviteToGroup creates a pending invite and notifies the invited user.
func (a *App) InviteToGroup(groupID, invitedUserID, byUserID string) (domain.Invite, error) {
	invitedUserID = strings.TrimSpace(invitedUserID)
	if invitedUserID == "" {
		return domain.Invite{}, fmt.Errorf("%w: invitedUserId required", ErrValidation)
	}
	thread, err := a.groupThread(groupID)
	if err != nil {
		return domain.Invite{}, err
	}
	if _, ok, err := a.store.GetMember(thread.ID, byUserID); err != nil {
		return domain.Invite{}, err
	} else if !ok {
		return domain.Invite{}, ErrNotParticipant
	}
	if _, ok, err := a.store.GetMember(thread.ID, invitedUserID); err != nil {
		return domain.Invite{}, err
	} else if ok {
		return domain.Invite{}, fmt.Errorf("%w: user already a member", ErrValidation)
	}
	invite := domain.Invite{
		ID:              uuid.NewString(),
		GroupID:         thread.ID,
		InvitedUserID:   invitedUserID,
		InvitedByUserID: byUserID,
		Status:          domain.InvitePending,
		CreatedAt:       a.now().UTC(),
	}
	if err := a.store.CreateInvite(invite); err != nil {
		return domain.Invite{}, fmt.Errorf("create invite: %w", err)
	}
	inv := invite
	a.dispatch([]string{invitedUserID}, domain.NewNotificationEvent(domain.NotificationPayload{
		Type:    domain.NotifyInviteNew,
		Invite:  &inv,
		GroupID: thread.ID,
	}))
	return invite, nil
}

// AcceptInvite transitions a pending invite to accepted and adds the caller
// to the group. Accepting an already-resolved invite returns
// ErrInviteNotPending and creates nothing.
func (a *App) AcceptInvite(inviteID, userID string) (string, error) {
	invite, ok, err := a.store.GetInvite(inviteID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInviteNotFound
	}
	if invite.InvitedUserID != userID {
		return "", ErrForbidden
	}
	now := a.now().UTC()
	accepted, err := a.store.AcceptInvite(inviteID, domain.GroupMember{
		ThreadID:   invite.GroupID,
		UserID:     userID,
		Role:       domain.RoleMember,
		JoinedAt:   now,
		LastReadAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("accept invite: %w", err)
	}
	if !accepted {
		return "", ErrInviteNotPending
	}
	invite.Status = domain.InviteAccepted
	a.dispatch([]string{invite.InvitedByUserID}, domain.NewNotificationEvent(domain.NotificationPayload{
		Type:    domain.NotifyInviteAccepted,
		Invite:  &invite,
		GroupID: invite.GroupID,
		UserID:  userID,
	}))
	a.notifyMembers(invite.GroupID, userID, domain.NewNotificationEvent(domain.NotificationPayload{
		Type:    domain.NotifyMemberJoined,
		GroupID: invite.GroupID,
		UserID:  userID,
	}))
	return invite.GroupID, nil
}

// DeclineInvite transitions a pending invite to declined with no side effect.
func (a *App) DeclineInvite(inviteID, userID string) error {
	invite, ok, err := a.store.GetInvite(inviteID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInviteNotFound
	}
	if invite.InvitedUserID != userID {
		return ErrForbidden
	}
	declined, err := a.store.SetInviteStatus(inviteID, domain.InvitePending, domain.InviteDeclined)
	if err != nil {
		return fmt.Errorf("decline invite: %w", err)
	}
	if !declined {
		return ErrInviteNotPending
	}
	invite.Status = domain.InviteDeclined
	a.dispatch([]string{invite.InvitedByUserID}, domain.NewNotificationEvent(domain.NotificationPayload{
		Type:    domain.NotifyInviteDeclined,
		Invite:  &invite,
		GroupID: invite.GroupID,
		UserID:  userID,
	}))
	return nil
}

// CancelInvite withdraws a pending invite. Only the inviter may cancel.
func (a *App) CancelInvite(inviteID, userID string) error {
	invite, ok, err := a.store.GetInvite(inviteID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInviteNotFound
	}
	if invite.InvitedByUserID != userID {
		return ErrForbidden
	}
	canceled, err := a.store.SetInviteStatus(inviteID, domain.InvitePending, domain.InviteCanceled)
	if err != nil {
		return fmt.Errorf("cancel invite: %w", err)
	}
	if !canceled {
		return ErrInviteNotPending
	}
	return nil
}

// ListInvites returns pending invites addressed to the user.
func (a *App) ListInvites(userID string) ([]domain.Invite, error) {
	return a.store.ListInvitesForUser(userID)
}

// JoinGroup adds the user to a group. Joining twice is a no-op returning the
// existing membership.
func (a *App) JoinGroup(groupID, userID string) (domain.GroupMember, error) {
	thread, err := a.groupThread(groupID)
	if err != nil {
		return domain.GroupMember{}, err
	}
	now := a.now().UTC()
	member := domain.GroupMember{
		ThreadID:   thread.ID,
		UserID:     userID,
		Role:       domain.RoleMember,
		JoinedAt:   now,
		LastReadAt: now,
	}
	added, err := a.store.AddMember(member)
	if err != nil {
		return domain.GroupMember{}, fmt.Errorf("join group: %w", err)
	}
	if !added {
		existing, _, err := a.store.GetMember(thread.ID, userID)
		if err != nil {
			return domain.GroupMember{}, err
		}
		return existing, nil
	}
	a.notifyMembers(thread.ID, userID, domain.NewNotificationEvent(domain.NotificationPayload{
		Type:    domain.NotifyMemberJoined,
		GroupID: thread.ID,
		UserID:  userID,
	}))
	return member, nil
}

// LeaveGroup removes the caller's membership. History and the thread persist.
func (a *App) LeaveGroup(groupID, userID string) error {
	thread, err := a.groupThread(groupID)
	if err != nil {
		return err
	}
	removed, err := a.store.RemoveMember(thread.ID, userID)
	if err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	if !removed {
		return ErrNotParticipant
	}
	a.notifyMembers(thread.ID, userID, domain.NewNotificationEvent(domain.NotificationPayload{
		Type:    domain.NotifyMemberLeft,
		GroupID: thread.ID,
		UserID:  userID,
	}))
	return nil
}

// ListGroupMembers returns the roster. The caller must be a member.
func (a *App) ListGroupMembers(groupID, callerID string) ([]domain.GroupMember, error) {
	thread, err := a.groupThread(groupID)
	if err != nil {
		return nil, err
	}
	if _, ok, err := a.store.GetMember(thread.ID, callerID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotParticipant
	}
	return a.store.ListMembers(thread.ID)
}

// SendMessage stores a message idempotently and fans it out to the other
// participants. Retrying with the same clientMessageID returns the
// originally stored message; a reused token with a different body also
// returns the original (first write wins on content).
func (a *App) SendMessage(threadID, senderID, body, clientMessageID string, metadata *domain.MessageMetadata) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, fmt.Errorf("%w: body required", ErrValidation)
	}
	if len(body) > maxBodyLen {
		return domain.Message{}, fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, maxBodyLen)
	}
	clientMessageID = strings.TrimSpace(clientMessageID)
	if clientMessageID == "" {
		return domain.Message{}, fmt.Errorf("%w: clientMessageId required", ErrValidation)
	}
	if len(clientMessageID) > maxTokenLen {
		return domain.Message{}, fmt.Errorf("%w: clientMessageId exceeds %d bytes", ErrValidation, maxTokenLen)
	}
	if !metadata.Valid() {
		return domain.Message{}, fmt.Errorf("%w: malformed metadata", ErrValidation)
	}

	thread, recipients, err := a.threadParticipants(threadID, senderID)
	if err != nil {
		return domain.Message{}, err
	}

	stored, created, err := a.store.InsertMessage(domain.Message{
		ID:              store.NewMessageID(),
		ThreadID:        thread.ID,
		SenderID:        senderID,
		Body:            body,
		ClientMessageID: clientMessageID,
		Metadata:        metadata,
		CreatedAt:       a.now().UTC(),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if !created {
		// Retried send: the original row is canonical, no side effects.
		return stored, nil
	}

	if err := a.store.TouchThread(thread.ID, stored.CreatedAt); err != nil {
		slog.Warn("touch thread failed", "thread_id", thread.ID, "err", err)
	}
	// The sender has implicitly read their own message.
	switch thread.Kind {
	case domain.ThreadDirect:
		if err := a.store.AdvanceDirectRead(thread.ID, thread.DirectRoleOf(senderID), stored.CreatedAt); err != nil {
			slog.Warn("advance direct read failed", "thread_id", thread.ID, "err", err)
		}
	case domain.ThreadGroup:
		if err := a.store.AdvanceMemberRead(thread.ID, senderID, stored.CreatedAt, false); err != nil {
			slog.Warn("advance member read failed", "thread_id", thread.ID, "err", err)
		}
		if err := a.store.IncrementUnread(thread.ID, senderID); err != nil {
			slog.Warn("increment unread failed", "thread_id", thread.ID, "err", err)
		}
	}

	a.dispatch(recipients, domain.NewMessageEvent(stored))
	return stored, nil
}

// Page is one page of thread history, newest first.
type Page struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// ListMessages returns thread history strictly descending by (createdAt, id).
// The cursor is the ID of the last item of the previous page; a stale cursor
// yields an empty page. NextCursor is set iff the page came back full, so a
// history whose length is an exact multiple of the limit ends with one empty
// page.
func (a *App) ListMessages(threadID, callerID, cursor string, limit int) (Page, error) {
	if _, _, err := a.threadParticipants(threadID, callerID); err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	items, err := a.store.ListMessagesBefore(threadID, cursor, limit)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	page := Page{Items: items}
	if len(items) == limit {
		page.NextCursor = items[len(items)-1].ID
	}
	return page, nil
}

// MarkThreadRead sets the caller's read pointer to now. Wall-clock is used
// instead of the latest message time so a message arriving between the read
// interaction and this write is not silently marked read. Idempotent; the
// pointer never moves backward.
func (a *App) MarkThreadRead(threadID, userID string) (domain.ReadPointer, error) {
	thread, _, err := a.threadParticipants(threadID, userID)
	if err != nil {
		return domain.ReadPointer{}, err
	}
	now := a.now().UTC()
	switch thread.Kind {
	case domain.ThreadDirect:
		err = a.store.AdvanceDirectRead(thread.ID, thread.DirectRoleOf(userID), now)
	case domain.ThreadGroup:
		err = a.store.AdvanceMemberRead(thread.ID, userID, now, true)
	}
	if err != nil {
		return domain.ReadPointer{}, fmt.Errorf("mark read: %w", err)
	}
	return domain.ReadPointer{ThreadID: thread.ID, UserID: userID, LastReadAt: now}, nil
}

// ListThreads returns the caller's threads with unread counts and previews,
// newest activity first. Group unread reads the denormalized counter; direct
// unread is counted against the caller's pointer.
func (a *App) ListThreads(userID string) ([]domain.ThreadSummary, error) {
	threads, err := a.store.ListThreadsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	res := make([]domain.ThreadSummary, 0, len(threads))
	for _, t := range threads {
		summary := domain.ThreadSummary{Thread: t}
		switch t.Kind {
		case domain.ThreadDirect:
			pointer := t.LearnerLastReadAt
			if t.DirectRoleOf(userID) == domain.RoleTutor {
				pointer = t.TutorLastReadAt
			}
			count, err := a.store.CountMessagesAfter(t.ID, pointer, userID)
			if err != nil {
				return nil, err
			}
			summary.UnreadCount = count
		case domain.ThreadGroup:
			member, ok, err := a.store.GetMember(t.ID, userID)
			if err != nil {
				return nil, err
			}
			if ok {
				summary.UnreadCount = member.UnreadCount
			}
		}
		if last, ok, err := a.store.LatestMessage(t.ID); err != nil {
			return nil, err
		} else if ok {
			summary.LastMessage = &last
		}
		res = append(res, summary)
	}
	return res, nil
}

// IsParticipant reports whether userID belongs to threadID. Used by the
// websocket layer before attaching connections to a thread scope.
func (a *App) IsParticipant(threadID, userID string) (bool, error) {
	thread, ok, err := a.store.GetThread(threadID)
	if err != nil || !ok {
		return false, err
	}
	return a.isParticipant(thread, userID)
}

func (a *App) groupThread(groupID string) (domain.Thread, error) {
	thread, ok, err := a.store.GetThread(groupID)
	if err != nil {
		return domain.Thread{}, err
	}
	if !ok || thread.Kind != domain.ThreadGroup {
		return domain.Thread{}, ErrThreadNotFound
	}
	return thread, nil
}

func (a *App) isParticipant(thread domain.Thread, userID string) (bool, error) {
	switch thread.Kind {
	case domain.ThreadDirect:
		return thread.DirectRoleOf(userID) != "", nil
	case domain.ThreadGroup:
		_, ok, err := a.store.GetMember(thread.ID, userID)
		return ok, err
	}
	return false, nil
}

// threadParticipants resolves the thread, checks the caller belongs to it,
// and returns the other participants for fan-out.
func (a *App) threadParticipants(threadID, callerID string) (domain.Thread, []string, error) {
	thread, ok, err := a.store.GetThread(threadID)
	if err != nil {
		return domain.Thread{}, nil, err
	}
	if !ok {
		return domain.Thread{}, nil, ErrThreadNotFound
	}
	var recipients []string
	switch thread.Kind {
	case domain.ThreadDirect:
		switch thread.DirectRoleOf(callerID) {
		case domain.RoleLearner:
			recipients = []string{thread.TutorID}
		case domain.RoleTutor:
			recipients = []string{thread.LearnerID}
		default:
			return domain.Thread{}, nil, ErrNotParticipant
		}
	case domain.ThreadGroup:
		members, err := a.store.ListMembers(thread.ID)
		if err != nil {
			return domain.Thread{}, nil, err
		}
		found := false
		for _, m := range members {
			if m.UserID == callerID {
				found = true
				continue
			}
			recipients = append(recipients, m.UserID)
		}
		if !found {
			return domain.Thread{}, nil, ErrNotParticipant
		}
	}
	return thread, recipients, nil
}

func (a *App) notifyMembers(threadID, exceptUserID string, event domain.Event) {
	members, err := a.store.ListMembers(threadID)
	if err != nil {
		slog.Warn("list members for notify failed", "thread_id", threadID, "err", err)
		return
	}
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID == exceptUserID {
			continue
		}
		recipients = append(recipients, m.UserID)
	}
	a.dispatch(recipients, event)
}

// dispatch fans the event out asynchronously. Failures are logged and never
// surfaced to the calling operation.
func (a *App) dispatch(recipients []string, event domain.Event) {
	if len(recipients) == 0 || (a.notifier == nil && a.push == nil) {
		return
	}
	go func() {
		for _, userID := range recipients {
			if a.notifier != nil {
				a.notifier.NotifyUser(userID, event)
			}
			if a.push != nil {
				ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
				if err := a.push.Publish(ctx, userID, event); err != nil {
					slog.Warn("push publish failed", "user_id", userID, "event", event.Type, "err", err)
				}
				cancel()
			}
		}
	}()
}
