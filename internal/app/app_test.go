package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lingochat/pkg/domain"
	"lingochat/pkg/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]domain.Event
	seen   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		events: make(map[string][]domain.Event),
		seen:   make(chan struct{}, 64),
	}
}

func (n *recordingNotifier) NotifyUser(userID string, event domain.Event) {
	n.mu.Lock()
	n.events[userID] = append(n.events[userID], event)
	n.mu.Unlock()
	n.seen <- struct{}{}
}

// wait blocks until count deliveries have happened across all users.
func (n *recordingNotifier) wait(t *testing.T, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		select {
		case <-n.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, count)
		}
	}
}

func (n *recordingNotifier) eventsFor(userID string) []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Event(nil), n.events[userID]...)
}

type failingPush struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (p *failingPush) Publish(ctx context.Context, userID string, event domain.Event) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.done != nil {
		p.done <- struct{}{}
	}
	return errors.New("broker unavailable")
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestApp(t *testing.T, notifier Notifier, push PushPublisher) (*App, *testClock) {
	t.Helper()
	a, err := New(Config{Store: store.NewMemoryStore(), Notifier: notifier, Push: push})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	clock := newTestClock()
	a.now = clock.Now
	return a, clock
}

func TestCreateDirectThreadIdempotent(t *testing.T) {
	a, _ := newTestApp(t, nil, nil)

	first, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same thread, got %q and %q", first.ID, second.ID)
	}

	if _, err := a.CreateDirectThread("same", "same"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for identical pair, got %v", err)
	}
	if _, err := a.CreateDirectThread("", "tutor"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty learner, got %v", err)
	}
}

func TestSendMessageIdempotent(t *testing.T) {
	a, _ := newTestApp(t, nil, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	first, err := a.SendMessage(thread.ID, "learner", "hello", "tok-1", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := a.SendMessage(thread.ID, "learner", "hello", "tok-1", nil)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry produced a new message: %q vs %q", second.ID, first.ID)
	}
	// Token reuse with a different body returns the original.
	third, err := a.SendMessage(thread.ID, "learner", "different", "tok-1", nil)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if third.Body != "hello" {
		t.Fatalf("expected original body, got %q", third.Body)
	}

	page, err := a.ListMessages(thread.ID, "tutor", "", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected exactly one stored message, got %d", len(page.Items))
	}
}

func TestSendMessageValidation(t *testing.T) {
	a, _ := newTestApp(t, nil, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	cases := []struct {
		name  string
		body  string
		token string
	}{
		{"empty body", "", "tok"},
		{"whitespace body", "   \n\t ", "tok"},
		{"oversized body", string(make([]byte, maxBodyLen+1)), "tok"},
		{"empty token", "hi", ""},
		{"oversized token", "hi", string(make([]byte, maxTokenLen+1))},
	}
	for _, tc := range cases {
		if _, err := a.SendMessage(thread.ID, "learner", tc.body, tc.token, nil); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	bad := &domain.MessageMetadata{Kind: ""}
	if _, err := a.SendMessage(thread.ID, "learner", "hi", "tok", bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty metadata kind, got %v", err)
	}

	if _, err := a.SendMessage(thread.ID, "stranger", "hi", "tok", nil); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := a.SendMessage("no-such-thread", "learner", "hi", "tok", nil); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestListMessagesPageWalk(t *testing.T) {
	a, clock := newTestApp(t, nil, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	for i := 0; i < 25; i++ {
		clock.Advance(time.Second)
		if _, err := a.SendMessage(thread.ID, "learner", fmt.Sprintf("m%d", i), fmt.Sprintf("tok-%d", i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var sizes []int
	cursor := ""
	total := 0
	for {
		page, err := a.ListMessages(thread.ID, "tutor", cursor, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		sizes = append(sizes, len(page.Items))
		total += len(page.Items)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	want := []int{10, 10, 5}
	if len(sizes) != len(want) {
		t.Fatalf("expected %d pages, got %v", len(want), sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("page sizes %v, want %v", sizes, want)
		}
	}
	if total != 25 {
		t.Fatalf("expected 25 messages across pages, got %d", total)
	}
}

func TestListMessagesExactMultipleEndsEmpty(t *testing.T) {
	a, clock := newTestApp(t, nil, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		if _, err := a.SendMessage(thread.ID, "learner", "m", fmt.Sprintf("tok-%d", i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	first, err := a.ListMessages(thread.ID, "learner", "", 10)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Items) != 10 || first.NextCursor == "" {
		t.Fatalf("expected full first page with cursor, got %d items cursor=%q", len(first.Items), first.NextCursor)
	}
	second, err := a.ListMessages(thread.ID, "learner", first.NextCursor, 10)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Items) != 0 || second.NextCursor != "" {
		t.Fatalf("expected empty final page, got %d items cursor=%q", len(second.Items), second.NextCursor)
	}
}

func TestMarkThreadReadAndUnread(t *testing.T) {
	a, clock := newTestApp(t, nil, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if _, err := a.SendMessage(thread.ID, "learner", "hi", fmt.Sprintf("tok-%d", i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	summaries, err := a.ListThreads("tutor")
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(summaries) != 1 || summaries[0].UnreadCount != 3 {
		t.Fatalf("expected one thread with 3 unread, got %+v", summaries)
	}
	if summaries[0].LastMessage == nil || summaries[0].LastMessage.Body != "hi" {
		t.Fatalf("expected last-message preview")
	}

	clock.Advance(time.Second)
	pointer, err := a.MarkThreadRead(thread.ID, "tutor")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !pointer.LastReadAt.Equal(clock.Now().UTC()) {
		t.Fatalf("pointer not at wall clock: %v", pointer.LastReadAt)
	}

	summaries, err = a.ListThreads("tutor")
	if err != nil {
		t.Fatalf("list threads after read: %v", err)
	}
	if summaries[0].UnreadCount != 0 {
		t.Fatalf("expected 0 unread after read, got %d", summaries[0].UnreadCount)
	}

	// Sender's own messages never count as unread for the sender.
	senderView, err := a.ListThreads("learner")
	if err != nil {
		t.Fatalf("list threads for sender: %v", err)
	}
	if senderView[0].UnreadCount != 0 {
		t.Fatalf("sender sees %d unread of own messages", senderView[0].UnreadCount)
	}
}

func TestGroupUnreadCounter(t *testing.T) {
	a, clock := newTestApp(t, nil, nil)
	group, err := a.CreateGroup("owner", "study circle")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := a.JoinGroup(group.ID, "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := a.JoinGroup(group.ID, "u2"); err != nil {
		t.Fatalf("join: %v", err)
	}

	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		if _, err := a.SendMessage(group.ID, "owner", "hello all", fmt.Sprintf("tok-%d", i), nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for _, user := range []string{"u1", "u2"} {
		summaries, err := a.ListThreads(user)
		if err != nil {
			t.Fatalf("list threads for %s: %v", user, err)
		}
		if len(summaries) != 1 || summaries[0].UnreadCount != 2 {
			t.Fatalf("%s: expected 2 unread, got %+v", user, summaries)
		}
	}

	clock.Advance(time.Second)
	if _, err := a.MarkThreadRead(group.ID, "u1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	summaries, err := a.ListThreads("u1")
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if summaries[0].UnreadCount != 0 {
		t.Fatalf("expected reset counter, got %d", summaries[0].UnreadCount)
	}
}

func TestInviteLifecycle(t *testing.T) {
	notifier := newRecordingNotifier()
	a, _ := newTestApp(t, notifier, nil)
	group, err := a.CreateGroup("owner", "study circle")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	invite, err := a.InviteToGroup(group.ID, "u1", "owner")
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if invite.Status != domain.InvitePending {
		t.Fatalf("expected pending, got %s", invite.Status)
	}
	notifier.wait(t, 1)
	got := notifier.eventsFor("u1")
	if len(got) != 1 || got[0].Type != domain.EventNotificationNew {
		t.Fatalf("expected invite notification for u1, got %+v", got)
	}
	var payload domain.NotificationPayload
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != domain.NotifyInviteNew || payload.Invite == nil || payload.Invite.ID != invite.ID {
		t.Fatalf("unexpected payload %+v", payload)
	}

	// Only the invited user may accept.
	if _, err := a.AcceptInvite(invite.ID, "someone-else"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	groupID, err := a.AcceptInvite(invite.ID, "u1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if groupID != group.ID {
		t.Fatalf("expected group %q, got %q", group.ID, groupID)
	}
	members, err := a.ListGroupMembers(group.ID, "owner")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Second accept finds the invite resolved.
	if _, err := a.AcceptInvite(invite.ID, "u1"); !errors.Is(err, ErrInviteNotPending) {
		t.Fatalf("expected ErrInviteNotPending, got %v", err)
	}
	members, _ = a.ListGroupMembers(group.ID, "owner")
	if len(members) != 2 {
		t.Fatalf("double accept changed roster: %d members", len(members))
	}
}

func TestDeclineAndCancelInvite(t *testing.T) {
	a, _ := newTestApp(t, nil, nil)
	group, err := a.CreateGroup("owner", "study circle")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	declined, err := a.InviteToGroup(group.ID, "u1", "owner")
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := a.DeclineInvite(declined.ID, "u1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := a.AcceptInvite(declined.ID, "u1"); !errors.Is(err, ErrInviteNotPending) {
		t.Fatalf("accept after decline: expected ErrInviteNotPending, got %v", err)
	}
	// A declined user can be invited again later.
	if _, err := a.InviteToGroup(group.ID, "u1", "owner"); err != nil {
		t.Fatalf("re-invite: %v", err)
	}

	canceled, err := a.InviteToGroup(group.ID, "u2", "owner")
	if err != nil {
		t.Fatalf("invite u2: %v", err)
	}
	if err := a.CancelInvite(canceled.ID, "u2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cancel by invitee: expected ErrForbidden, got %v", err)
	}
	if err := a.CancelInvite(canceled.ID, "owner"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := a.DeclineInvite(canceled.ID, "u2"); !errors.Is(err, ErrInviteNotPending) {
		t.Fatalf("decline after cancel: expected ErrInviteNotPending, got %v", err)
	}
}

func TestJoinAndLeaveGroup(t *testing.T) {
	a, _ := newTestApp(t, nil, nil)
	group, err := a.CreateGroup("owner", "study circle")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	first, err := a.JoinGroup(group.ID, "u1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := a.JoinGroup(group.ID, "u1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !second.JoinedAt.Equal(first.JoinedAt) {
		t.Fatalf("rejoin changed membership: %v vs %v", second.JoinedAt, first.JoinedAt)
	}

	if err := a.LeaveGroup(group.ID, "u1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := a.LeaveGroup(group.ID, "u1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("second leave: expected ErrNotParticipant, got %v", err)
	}
	// History survives departure; the former member just loses access.
	if _, err := a.ListMessages(group.ID, "u1", "", 10); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant after leave, got %v", err)
	}
}

func TestSendDeliversToRecipientsOnly(t *testing.T) {
	notifier := newRecordingNotifier()
	a, _ := newTestApp(t, notifier, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	sent, err := a.SendMessage(thread.ID, "learner", "hola", "tok-1", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	notifier.wait(t, 1)

	if got := notifier.eventsFor("learner"); len(got) != 0 {
		t.Fatalf("sender must not receive own message event, got %d", len(got))
	}
	got := notifier.eventsFor("tutor")
	if len(got) != 1 || got[0].Type != domain.EventMessageNew {
		t.Fatalf("expected one message event for tutor, got %+v", got)
	}
	var payload domain.MessageEventPayload
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Message.ID != sent.ID || payload.ThreadID != thread.ID {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestPushFailureNeverFailsSend(t *testing.T) {
	push := &failingPush{done: make(chan struct{}, 8)}
	a, _ := newTestApp(t, nil, push)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	msg, err := a.SendMessage(thread.ID, "learner", "hi", "tok-1", nil)
	if err != nil {
		t.Fatalf("send must succeed despite push failure: %v", err)
	}
	select {
	case <-push.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("push publisher never called")
	}
	page, err := a.ListMessages(thread.ID, "learner", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != msg.ID {
		t.Fatalf("message not persisted after push failure")
	}
}

func TestRetriedSendHasNoSideEffects(t *testing.T) {
	notifier := newRecordingNotifier()
	a, clock := newTestApp(t, notifier, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := a.SendMessage(thread.ID, "learner", "hi", "tok-1", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	notifier.wait(t, 1)

	clock.Advance(time.Second)
	if _, err := a.SendMessage(thread.ID, "learner", "hi", "tok-1", nil); err != nil {
		t.Fatalf("resend: %v", err)
	}

	// No second delivery and no bumped activity time.
	select {
	case <-notifier.seen:
		t.Fatalf("retried send produced a second fan-out")
	case <-time.After(100 * time.Millisecond):
	}
	summaries, err := a.ListThreads("tutor")
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if summaries[0].UnreadCount != 1 {
		t.Fatalf("retry changed unread count: %d", summaries[0].UnreadCount)
	}
}

func TestIsParticipant(t *testing.T) {
	a, _ := newTestApp(t, nil, nil)
	thread, err := a.CreateDirectThread("learner", "tutor")
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	for user, want := range map[string]bool{"learner": true, "tutor": true, "other": false} {
		ok, err := a.IsParticipant(thread.ID, user)
		if err != nil {
			t.Fatalf("is participant %s: %v", user, err)
		}
		if ok != want {
			t.Fatalf("IsParticipant(%s) = %v, want %v", user, ok, want)
		}
	}
	if ok, err := a.IsParticipant("missing", "learner"); err != nil || ok {
		t.Fatalf("missing thread: ok=%v err=%v", ok, err)
	}
}
