// Package ack sends best-effort acknowledgments (a reaction emoji) back to
// the chat transport a message came from once the message is finalized.
package ack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sneh-joshi/voxpipe/internal/types"
)

// ErrNotConfigured is returned when the message's transport has no
// credentials.
var ErrNotConfigured = errors.New("ack: transport not configured")

// Acknowledger reacts to a message on its originating transport.
type Acknowledger interface {
	React(ctx context.Context, msg *types.Message, emoji string) error
}

// ─── Router ──────────────────────────────────────────────────────────────────

// Router picks an Acknowledger by message source. Sources without one are
// a no-op.
type Router struct {
	bySource map[types.MessageSource]Acknowledger
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{bySource: make(map[types.MessageSource]Acknowledger)}
}

// Route registers a for source.
func (r *Router) Route(source types.MessageSource, a Acknowledger) *Router {
	r.bySource[source] = a
	return r
}

// React dispatches to the acknowledger of msg.Source().
func (r *Router) React(ctx context.Context, msg *types.Message, emoji string) error {
	a, ok := r.bySource[msg.Source()]
	if !ok {
		return nil
	}
	return a.React(ctx, msg, emoji)
}

// ─── Telegram ────────────────────────────────────────────────────────────────

// Telegram calls the Bot API setMessageReaction method.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegram returns a Telegram acknowledger. baseURL defaults to the
// public Bot API.
func NewTelegram(token, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramReaction struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

type telegramReactionRequest struct {
	ChatID    string             `json:"chat_id"`
	MessageID int64              `json:"message_id"`
	Reaction  []telegramReaction `json:"reaction"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// React sets emoji as the bot's reaction on msg.
func (t *Telegram) React(ctx context.Context, msg *types.Message, emoji string) error {
	if t.token == "" {
		return ErrNotConfigured
	}
	if msg.ChatID == "" || msg.MessageID == 0 {
		return fmt.Errorf("ack: telegram message %s has no chat/message id", msg.ID)
	}
	body, err := json.Marshal(telegramReactionRequest{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Reaction:  []telegramReaction{{Type: "emoji", Emoji: emoji}},
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/setMessageReaction", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ack: telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("ack: telegram: %w", err)
	}
	defer resp.Body.Close()

	var out telegramResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("ack: telegram status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

// ─── Discord ─────────────────────────────────────────────────────────────────

// reactor is the discordgo call used, split out for tests.
type reactor interface {
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
}

// Discord adds a reaction through the Discord REST API.
type Discord struct {
	api reactor
}

// NewDiscord returns a Discord acknowledger for a bot token. A bare token
// gets the "Bot " prefix.
func NewDiscord(token string) (*Discord, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotConfigured
	}
	if !strings.HasPrefix(strings.ToLower(token), "bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("ack: discord session: %w", err)
	}
	return &Discord{api: s}, nil
}

// React adds emoji to the message. ChatID is the channel id.
func (d *Discord) React(ctx context.Context, msg *types.Message, emoji string) error {
	if msg.ChatID == "" || msg.MessageID == 0 {
		return fmt.Errorf("ack: discord message %s has no channel/message id", msg.ID)
	}
	err := d.api.MessageReactionAdd(msg.ChatID, strconv.FormatInt(msg.MessageID, 10), emoji, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ack: discord: %w", err)
	}
	return nil
}
