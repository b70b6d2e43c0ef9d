package bridge

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zulandar/myelo/internal/agent"
)

const (
	// EraseCommand erases the sender's session.
	EraseCommand = "!erase"
	// DefaultMaxMessageLen is the longest message both Slack and Discord accept
	// without truncation.
	DefaultMaxMessageLen = 2000
)

// Controller is the part of the session controller a bridge uses.
type Controller interface {
	// InitializeClaim waits for the session's initialization and reports
	// whether this call launched it.
	InitializeClaim(ctx context.Context, id string) (agent.InitResult, bool, error)
	Ask(ctx context.Context, id, question string) iter.Seq[agent.Chunk]
	Erase(ctx context.Context, id string) error
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	Adapter       Adapter
	Controller    Controller
	MaxMessageLen int // defaults to DefaultMaxMessageLen
	Logger        *zap.Logger
}

// Bridge relays messages between one chat platform and the controller.
type Bridge struct {
	adapter Adapter
	ctrl    Controller
	maxLen  int
	log     *zap.Logger
	wg      sync.WaitGroup
}

// New creates a Bridge.
func New(opts Opts) (*Bridge, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bridge: adapter is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("bridge: controller is required")
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = DefaultMaxMessageLen
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		adapter: opts.Adapter,
		ctrl:    opts.Controller,
		maxLen:  opts.MaxMessageLen,
		log:     log.Named("bridge"),
	}, nil
}

// Run connects the adapter and handles inbound messages until ctx is
// cancelled or the adapter closes its channel. Messages are handled
// concurrently; Run waits for handlers in flight before it returns.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bridge: connect: %w", err)
	}
	defer b.adapter.Close()

	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}
	b.log.Info("bridge listening")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			b.wg.Go(func() { b.Handle(ctx, msg) })
		}
	}
}

var mentionPattern = regexp.MustCompile(`^\s*<@!?[A-Za-z0-9_]+>\s*`)

// Handle processes one inbound message. A panic is logged and reported to
// the sender instead of taking the bridge down.
func (b *Bridge) Handle(ctx context.Context, msg InboundMessage) {
	if b.isSelfMessage(msg) {
		return
	}
	text := strings.TrimSpace(mentionPattern.ReplaceAllString(msg.Text, ""))
	if text == "" {
		return
	}
	id := msg.SessionID()
	log := b.log.With(zap.String("session", id), zap.String("channel", msg.ChannelID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("message handler panicked", zap.Any("panic", r))
			b.reply(ctx, msg, "Something went wrong while handling your message. Please try again.")
		}
	}()

	if strings.EqualFold(text, EraseCommand) {
		if err := b.ctrl.Erase(ctx, id); err != nil {
			log.Warn("erase failed", zap.Error(err))
			b.reply(ctx, msg, fmt.Sprintf("Could not erase your session: %v", err))
			return
		}
		b.reply(ctx, msg, "Your session has been erased.")
		return
	}

	// Only the message that launched the initialization sends the greeting.
	res, started, err := b.ctrl.InitializeClaim(ctx, id)
	if err != nil {
		return
	}
	if started && res.Text != "" {
		b.reply(ctx, msg, res.Text)
	}

	log.Debug("question received", zap.Int("len", len(text)))
	b.reply(ctx, msg, collect(b.ctrl.Ask(ctx, id, text)))
}

// collect reduces a turn's chunks to the text a chat user sees: recovery
// notices followed by the answer or the error.
func collect(chunks iter.Seq[agent.Chunk]) string {
	var parts []string
	for c := range chunks {
		switch c.Kind {
		case agent.ChunkRecovered, agent.ChunkAnswer, agent.ChunkError:
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func (b *Bridge) isSelfMessage(msg InboundMessage) bool {
	ider, ok := b.adapter.(BotUserIDer)
	if !ok {
		return false
	}
	bot := ider.BotUserID()
	return bot != "" && msg.UserID == bot
}

// reply sends text back where msg came from, split into platform-sized parts.
func (b *Bridge) reply(ctx context.Context, msg InboundMessage, text string) {
	for _, part := range Split(text, b.maxLen) {
		err := b.adapter.Send(ctx, OutboundMessage{
			ChannelID: msg.ChannelID,
			ThreadID:  msg.ThreadID,
			Text:      part,
		})
		if err != nil {
			b.log.Warn("send failed", zap.String("channel", msg.ChannelID), zap.Error(err))
			return
		}
	}
}

// Split breaks text into parts of at most limit runes. It prefers to break
// after a newline in the second half of a part, then after a space.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		head := text[:cut]
		if i := strings.LastIndexByte(head, '\n'); i >= cut/2 {
			cut = i + 1
		} else if i := strings.LastIndexByte(head, ' '); i >= cut/2 {
			cut = i + 1
		}
		if p := strings.TrimSpace(text[:cut]); p != "" {
			parts = append(parts, p)
		}
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
