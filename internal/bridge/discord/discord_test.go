package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/myelo/internal/bridge"
)

// --- Mock Discord session ---

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	sendErrs    []error // consumed one per call
	sent        []sentMessage
	handlers    []any
	removed     int
	channels    map[string]*discordgo.Channel
}

func newMockSession() *mockSession {
	return &mockSession{channels: make(map[string]*discordgo.Channel)}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, errors.New("state cache not found")
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "m1", ChannelID: channelID}, nil
}

func (m *mockSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removed++
	}
}

// messageHandler returns the registered MessageCreate handler.
func (m *mockSession) messageHandler(t *testing.T) func(*discordgo.Session, *discordgo.MessageCreate) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return fn
		}
	}
	t.Fatal("no MessageCreate handler registered")
	return nil
}

func (m *mockSession) readyHandler(t *testing.T) func(*discordgo.Session, *discordgo.Ready) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			return fn
		}
	}
	t.Fatal("no Ready handler registered")
	return nil
}

func newTestAdapter(t *testing.T, opts AdapterOpts) (*Adapter, *mockSession, <-chan bridge.InboundMessage) {
	t.Helper()
	sess := newMockSession()
	opts.Session = sess
	a, err := New(opts)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT")
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, sess, ch
}

func newMessage(id, guild, channel, author, content string, mentions ...string) *discordgo.MessageCreate {
	m := &discordgo.Message{
		ID:        id,
		GuildID:   guild,
		ChannelID: channel,
		Author:    &discordgo.User{ID: author, Username: strings.ToLower(author)},
		Content:   content,
	}
	for _, u := range mentions {
		m.Mentions = append(m.Mentions, &discordgo.User{ID: u})
	}
	return &discordgo.MessageCreate{Message: m}
}

func receive(t *testing.T, ch <-chan bridge.InboundMessage) bridge.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return bridge.InboundMessage{}
}

func expectNone(t *testing.T, ch <-chan bridge.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected inbound message: %+v", msg)
	default:
	}
}

// --- New / Connect ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = errors.New("gateway unreachable")
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "gateway unreachable") {
		t.Fatalf("Connect err = %v", err)
	}
}

func TestConnect_ReadySetsBotUserID(t *testing.T) {
	sess := newMockSession()
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.readyHandler(t)(nil, &discordgo.Ready{User: &discordgo.User{ID: "B42", Username: "myelo"}})
	if got := a.BotUserID(); got != "B42" {
		t.Errorf("BotUserID = %q, want B42", got)
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, err := New(AdapterOpts{Session: newMockSession()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected not connected error")
	}
}

// --- handleMessage ---

func TestHandleMessage_DirectMessage(t *testing.T) {
	_, sess, ch := newTestAdapter(t, AdapterOpts{})
	sess.messageHandler(t)(nil, newMessage("1", "", "DM1", "ALICE", "hello"))

	msg := receive(t, ch)
	if msg.Platform != "discord" || msg.ChannelID != "DM1" || msg.UserID != "ALICE" || msg.UserName != "alice" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.SessionID() != "discord:ALICE" {
		t.Errorf("session = %q", msg.SessionID())
	}
}

func TestHandleMessage_GuildNeedsMentionOrChannel(t *testing.T) {
	_, sess, ch := newTestAdapter(t, AdapterOpts{ChannelID: "C_BOT"})
	h := sess.messageHandler(t)

	h(nil, newMessage("1", "G1", "C_OTHER", "ALICE", "chatter"))
	expectNone(t, ch)

	h(nil, newMessage("2", "G1", "C_BOT", "ALICE", "in bot channel"))
	if msg := receive(t, ch); msg.Text != "in bot channel" {
		t.Errorf("text = %q", msg.Text)
	}

	h(nil, newMessage("3", "G1", "C_OTHER", "ALICE", "<@BOT> hi", "BOT"))
	if msg := receive(t, ch); msg.Text != "<@BOT> hi" {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestHandleMessage_OtherGuildIgnored(t *testing.T) {
	_, sess, ch := newTestAdapter(t, AdapterOpts{GuildID: "G1"})
	sess.messageHandler(t)(nil, newMessage("1", "G2", "C1", "ALICE", "<@BOT> hi", "BOT"))
	expectNone(t, ch)
}

func TestHandleMessage_FiltersSelfAndBots(t *testing.T) {
	_, sess, ch := newTestAdapter(t, AdapterOpts{})
	h := sess.messageHandler(t)

	h(nil, newMessage("1", "", "DM1", "BOT", "echo"))
	other := newMessage("2", "", "DM1", "OTHERBOT", "beep")
	other.Author.Bot = true
	h(nil, other)
	h(nil, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "3", ChannelID: "DM1"}})

	expectNone(t, ch)
}

func TestHandleMessage_ThreadResolvesParent(t *testing.T) {
	_, sess, ch := newTestAdapter(t, AdapterOpts{})
	sess.channels["TH1"] = &discordgo.Channel{ID: "TH1", ParentID: "C1", Type: discordgo.ChannelTypeGuildPublicThread}

	sess.messageHandler(t)(nil, newMessage("1", "G1", "TH1", "ALICE", "<@BOT> more", "BOT"))

	msg := receive(t, ch)
	if msg.ChannelID != "C1" || msg.ThreadID != "TH1" {
		t.Errorf("channel/thread = %s/%s, want C1/TH1", msg.ChannelID, msg.ThreadID)
	}
}

// --- Send ---

func TestSend_PrefersThread(t *testing.T) {
	a, sess, _ := newTestAdapter(t, AdapterOpts{})
	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1", ThreadID: "TH1", Text: "answer"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.sent) != 1 || sess.sent[0].channelID != "TH1" || sess.sent[0].data.Content != "answer" {
		t.Fatalf("sent = %+v", sess.sent)
	}
	if sess.sent[0].data.AllowedMentions == nil {
		t.Error("mentions should be suppressed")
	}
}

func TestSend_DefaultChannel(t *testing.T) {
	a, sess, _ := newTestAdapter(t, AdapterOpts{ChannelID: "C_BOT"})
	if err := a.Send(context.Background(), bridge.OutboundMessage{Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sess.sent[0].channelID != "C_BOT" {
		t.Errorf("channel = %q", sess.sent[0].channelID)
	}
}

func TestSend_NoChannel(t *testing.T) {
	a, _, _ := newTestAdapter(t, AdapterOpts{})
	if err := a.Send(context.Background(), bridge.OutboundMessage{Text: "hi"}); err == nil {
		t.Fatal("expected no channel error")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, sess, _ := newTestAdapter(t, AdapterOpts{})
	a.baseBackoff = time.Millisecond
	sess.sendErrs = []error{&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}}

	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sess.sent))
	}
}

func TestSend_NonRateLimitErrorNotRetried(t *testing.T) {
	a, sess, _ := newTestAdapter(t, AdapterOpts{})
	sess.sendErrs = []error{&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}, nil}

	if err := a.Send(context.Background(), bridge.OutboundMessage{ChannelID: "C1", Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if len(sess.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(sess.sent))
	}
}

// --- Close ---

func TestClose_RemovesHandlerAndClosesSession(t *testing.T) {
	sess := newMockSession()
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed")
	}
	if sess.removed != 1 || !sess.closeCalled {
		t.Errorf("removed = %d, closeCalled = %v", sess.removed, sess.closeCalled)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Messages arriving after Close are dropped instead of panicking.
	sess.messageHandler(t)(nil, newMessage("9", "", "DM1", "ALICE", "late"))
}
