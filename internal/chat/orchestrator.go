package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haseeb302/finance-bot/internal/api"
)

// Mode selects how the orchestrator treats the backend.
type Mode string

const (
	// ModeAnonymous keeps everything in one ephemeral thread; the
	// conversation list is never fetched.
	ModeAnonymous Mode = "anonymous"
	// ModeAuthenticated syncs the conversation list and history.
	ModeAuthenticated Mode = "authenticated"
)

const (
	welcomeText = "Hi! I'm FinanceBot. Ask me anything about budgeting, saving, investing, or your personal finances."

	// apologyText matches the backend's own degraded-mode reply, so a
	// client-side failure reads the same as a server-side one.
	apologyText = "I'm sorry, I'm having trouble processing your request right now. Please try again later."
)

// localIDPrefix marks messages synthesized client-side (welcome, user
// echo, apology). Backend ids are UUIDs and can never collide with it.
const localIDPrefix = "local-"

// Service is the backend surface the orchestrator drives.
type Service interface {
	Conversations(ctx context.Context, page, pageSize int) (api.Page[api.Conversation], error)
	Conversation(ctx context.Context, id string) (api.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) (api.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	Messages(ctx context.Context, conversationID string, page, pageSize int) (api.Page[api.Message], error)
	Send(ctx context.Context, req api.SendRequest) (api.SendResponse, error)
}

// Config sizes the orchestrator's fetches and local checks.
type Config struct {
	PageSize      int
	MaxMessageLen int
	RetryUnit     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = 10000
	}
	if c.RetryUnit <= 0 {
		c.RetryUnit = time.Second
	}
	return c
}

// Orchestrator owns the conversation list and the visible message
// window. All mutation goes through its methods; the mutex is released
// across network calls and every completion re-validates state before
// applying, so a result for a conversation the user has left is
// discarded.
type Orchestrator struct {
	svc Service
	cfg Config

	mu            sync.Mutex
	mode          Mode
	conversations []api.Conversation
	current       *api.Conversation
	messages      []api.Message
	hasMore       bool
	page          int
	sending       bool
	loading       bool
	lastErr       error
	localSeq      int
	sessionID     string
}

func New(svc Service, mode Mode, cfg Config) *Orchestrator {
	return &Orchestrator{
		svc:       svc,
		cfg:       cfg.withDefaults(),
		mode:      mode,
		page:      1,
		sessionID: uuid.NewString(),
	}
}

// Snapshot is a point-in-time copy of the orchestrator state, safe to
// read while operations run.
type Snapshot struct {
	Mode          Mode
	Conversations []api.Conversation
	Current       *api.Conversation
	Messages      []api.Message
	HasMore       bool
	Page          int
	Sending       bool
	Loading       bool
	LastErr       error
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		Mode:    o.mode,
		HasMore: o.hasMore,
		Page:    o.page,
		Sending: o.sending,
		Loading: o.loading,
		LastErr: o.lastErr,
	}
	s.Conversations = append([]api.Conversation(nil), o.conversations...)
	s.Messages = append([]api.Message(nil), o.messages...)
	if o.current != nil {
		c := *o.current
		s.Current = &c
	}
	return s
}

// SetMode switches between anonymous and authenticated operation,
// dropping all conversation state. Callers follow up with Bootstrap.
func (o *Orchestrator) SetMode(mode Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode == mode {
		return
	}
	o.mode = mode
	o.conversations = nil
	o.lastErr = nil
	o.resetWindowLocked()
}

// Mode returns the active mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Bootstrap establishes the initial window. Anonymous mode synthesizes
// a local thread with a welcome message and never touches the network.
// Authenticated mode fetches the first list page and opens the most
// recent conversation, if any.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.mu.Lock()
	if o.mode == ModeAnonymous {
		o.resetWindowLocked()
		o.mu.Unlock()
		return nil
	}
	pageSize := o.cfg.PageSize
	o.mu.Unlock()

	page, err := o.svc.Conversations(ctx, 1, pageSize)
	if err != nil {
		nerr := api.Normalize(err)
		o.mu.Lock()
		o.lastErr = nerr
		o.mu.Unlock()
		return nerr
	}

	o.mu.Lock()
	o.conversations = append([]api.Conversation(nil), page.Items...)
	var open string
	if o.current == nil {
		if len(page.Items) > 0 {
			c := mostRecent(page.Items)
			o.current = &c
			o.page = 1
			open = c.ID
		} else {
			o.resetWindowLocked()
		}
	}
	o.mu.Unlock()

	if open != "" {
		return o.LoadMessages(ctx, open, 1)
	}
	return nil
}

// LoadMessages fetches one history page for a conversation. A call is
// dropped while another load is in flight, whatever its target, so two
// windows never interleave. Page 1 replaces the window; later pages
// prepend older items without duplicating ids. A result arriving after
// the user switched conversations is discarded, error or not.
func (o *Orchestrator) LoadMessages(ctx context.Context, conversationID string, page int) error {
	if conversationID == api.TempConversationID {
		return nil
	}

	o.mu.Lock()
	if o.loading {
		o.mu.Unlock()
		return nil
	}
	o.loading = true
	pageSize := o.cfg.PageSize
	o.mu.Unlock()

	res, err := o.svc.Messages(ctx, conversationID, page, pageSize)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.loading = false
	if o.current == nil || o.current.ID != conversationID {
		return nil
	}
	if err != nil {
		nerr := api.Normalize(err)
		o.lastErr = nerr
		return nerr
	}
	if page == 1 {
		o.messages = append([]api.Message(nil), res.Items...)
	} else {
		o.messages = mergeOlder(res.Items, o.messages)
	}
	o.hasMore = res.HasNext
	o.page = page
	return nil
}

// LoadMore fetches the next older history page, if one exists and
// nothing else is loading.
func (o *Orchestrator) LoadMore(ctx context.Context) error {
	o.mu.Lock()
	if o.current == nil || !o.hasMore || o.loading {
		o.mu.Unlock()
		return nil
	}
	id, next := o.current.ID, o.page+1
	o.mu.Unlock()
	return o.LoadMessages(ctx, id, next)
}

// NewConversation starts a blank thread locally. The backend creates
// the real conversation on the first send.
func (o *Orchestrator) NewConversation() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetWindowLocked()
}

// SwitchTo opens another conversation: fetches its metadata, makes it
// current, and replaces the window with its first history page.
func (o *Orchestrator) SwitchTo(ctx context.Context, id string) error {
	conv, err := o.svc.Conversation(ctx, id)
	if err != nil {
		nerr := api.Normalize(err)
		o.mu.Lock()
		o.lastErr = nerr
		o.mu.Unlock()
		return nerr
	}

	o.mu.Lock()
	o.current = &conv
	o.page = 1
	o.refreshConversationLocked(conv)
	o.mu.Unlock()
	return o.LoadMessages(ctx, id, 1)
}

// Send posts one user message. The user's text is echoed into the
// window immediately and never rolled back; a failed send supplements
// it with one apology reply instead. Connectivity failures are retried
// twice with increasing backoff before giving up. When the backend
// created the conversation for this turn, the returned conversation
// becomes current and heads the list.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)

	o.mu.Lock()
	if o.sending {
		o.mu.Unlock()
		return nil
	}
	if err := o.validateLocked(trimmed); err != nil {
		o.lastErr = err
		o.mu.Unlock()
		return err
	}

	o.sending = true
	o.lastErr = nil
	echo := api.Message{
		ID:        o.nextLocalIDLocked(),
		Role:      api.RoleUser,
		Content:   trimmed,
		CreatedAt: now(),
	}
	req := api.SendRequest{Message: trimmed}
	priorID := ""
	if o.current != nil {
		echo.ConversationID = o.current.ID
		if o.current.ID != api.TempConversationID {
			req.ConversationID = o.current.ID
			priorID = o.current.ID
		}
	}
	if o.mode == ModeAnonymous {
		req.SessionID = o.sessionID
	}
	o.messages = append(o.messages, echo)
	unit := o.cfg.RetryUnit
	o.mu.Unlock()

	var res api.SendResponse
	err := SendPolicy(unit).Run(ctx, func() error {
		r, sendErr := o.svc.Send(ctx, req)
		if sendErr != nil {
			return api.Normalize(sendErr)
		}
		res = r
		return nil
	})
	if err != nil {
		err = api.Normalize(err)
	} else if res.Message == nil {
		err = &api.UnknownError{Detail: "reply carried no message"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.sending = false
	if err != nil {
		o.messages = append(o.messages, api.Message{
			ID:        o.nextLocalIDLocked(),
			Role:      api.RoleAssistant,
			Content:   apologyText,
			CreatedAt: now(),
		})
		o.lastErr = err
		return err
	}

	o.messages = append(o.messages, *res.Message)
	if res.Conversation != nil {
		conv := *res.Conversation
		if conv.ID != priorID {
			// the backend created the thread for this turn
			o.current = &conv
			o.conversations = prependConversation(o.conversations, conv)
		} else {
			o.refreshConversationLocked(conv)
			if o.current != nil && o.current.ID == conv.ID {
				c := conv
				o.current = &c
			}
		}
	}
	return nil
}

func (o *Orchestrator) validateLocked(trimmed string) error {
	if trimmed == "" {
		return &api.ValidationError{Detail: "message cannot be empty"}
	}
	if n := utf8.RuneCountInString(trimmed); n > o.cfg.MaxMessageLen {
		return &api.ValidationError{
			Detail: fmt.Sprintf("message is %d characters; the limit is %d", n, o.cfg.MaxMessageLen),
		}
	}
	return nil
}

// Rename updates a conversation title on the backend and in the list.
func (o *Orchestrator) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		err := &api.ValidationError{Detail: "title cannot be empty"}
		o.mu.Lock()
		o.lastErr = err
		o.mu.Unlock()
		return err
	}
	if id == api.TempConversationID {
		return nil
	}

	conv, err := o.svc.RenameConversation(ctx, id, title)
	if err != nil {
		nerr := api.Normalize(err)
		o.mu.Lock()
		o.lastErr = nerr
		o.mu.Unlock()
		return nerr
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshConversationLocked(conv)
	if o.current != nil && o.current.ID == conv.ID {
		c := conv
		o.current = &c
	}
	return nil
}

// Delete removes a conversation. When the current one goes, the first
// remaining conversation takes its place; with none left the window
// resets to a fresh local thread.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if id == api.TempConversationID {
		o.NewConversation()
		return nil
	}

	if err := o.svc.DeleteConversation(ctx, id); err != nil {
		nerr := api.Normalize(err)
		o.mu.Lock()
		o.lastErr = nerr
		o.mu.Unlock()
		return nerr
	}

	o.mu.Lock()
	o.conversations = removeConversation(o.conversations, id)
	var open string
	if o.current != nil && o.current.ID == id {
		if len(o.conversations) > 0 {
			c := o.conversations[0]
			o.current = &c
			o.page = 1
			open = c.ID
		} else {
			o.resetWindowLocked()
		}
	}
	o.mu.Unlock()

	if open != "" {
		return o.LoadMessages(ctx, open, 1)
	}
	return nil
}

// Clear resets the window to a single welcome message. Local only.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = []api.Message{o.welcomeLocked()}
	o.page = 1
	o.hasMore = false
}

// ClearError drops the recorded error.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = nil
}

// resetWindowLocked is the blank-thread state: welcome message, reset
// paging. Anonymous mode pins the local sentinel conversation as
// current; authenticated mode leaves current unset until the backend
// creates one on first send.
func (o *Orchestrator) resetWindowLocked() {
	if o.mode == ModeAnonymous {
		c := api.Conversation{
			ID:          api.TempConversationID,
			IsAnonymous: true,
			CreatedAt:   now(),
		}
		o.current = &c
	} else {
		o.current = nil
	}
	o.messages = []api.Message{o.welcomeLocked()}
	o.page = 1
	o.hasMore = false
}

func (o *Orchestrator) welcomeLocked() api.Message {
	return api.Message{
		ID:        o.nextLocalIDLocked(),
		Role:      api.RoleAssistant,
		Content:   welcomeText,
		CreatedAt: now(),
	}
}

func (o *Orchestrator) nextLocalIDLocked() string {
	o.localSeq++
	return fmt.Sprintf("%s%d", localIDPrefix, o.localSeq)
}

func (o *Orchestrator) refreshConversationLocked(conv api.Conversation) {
	for i := range o.conversations {
		if o.conversations[i].ID == conv.ID {
			o.conversations[i] = conv
			return
		}
	}
}

func now() api.Timestamp {
	return api.Timestamp{Time: time.Now().UTC()}
}

// mergeOlder prepends an older page to the window, skipping ids the
// window already holds.
func mergeOlder(older, window []api.Message) []api.Message {
	seen := make(map[string]struct{}, len(window))
	for _, m := range window {
		seen[m.ID] = struct{}{}
	}
	merged := make([]api.Message, 0, len(older)+len(window))
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	return append(merged, window...)
}

// mostRecent picks the newest conversation by updated_at, falling back
// to created_at. The list endpoint does not promise an order.
func mostRecent(items []api.Conversation) api.Conversation {
	best := items[0]
	for _, c := range items[1:] {
		if recency(c).After(recency(best)) {
			best = c
		}
	}
	return best
}

func recency(c api.Conversation) time.Time {
	if c.UpdatedAt != nil && !c.UpdatedAt.IsZero() {
		return c.UpdatedAt.Time
	}
	return c.CreatedAt.Time
}

func prependConversation(list []api.Conversation, c api.Conversation) []api.Conversation {
	out := make([]api.Conversation, 0, len(list)+1)
	out = append(out, c)
	for _, existing := range list {
		if existing.ID == c.ID {
			continue
		}
		out = append(out, existing)
	}
	return out
}

func removeConversation(list []api.Conversation, id string) []api.Conversation {
	out := make([]api.Conversation, 0, len(list))
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
