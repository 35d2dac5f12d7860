package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

type createConversationRequest struct {
	Title       string `json:"title,omitempty"`
	IsAnonymous bool   `json:"is_anonymous"`
}

func pageQuery(page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	return q
}

// Conversations lists one page of the user's conversations. The backend does
// not promise an order; callers that care about recency sort client-side.
func (c *Client) Conversations(ctx context.Context, page, pageSize int) (Page[Conversation], error) {
	var out Page[Conversation]
	err := c.doJSON(ctx, http.MethodGet, "/conversations", pageQuery(page, pageSize), nil, &out)
	return out, err
}

// CreateConversation creates an empty conversation. Sends normally create
// conversations lazily; this exists for explicit creation.
func (c *Client) CreateConversation(ctx context.Context, title string, anonymous bool) (Conversation, error) {
	var out Conversation
	err := c.doJSON(ctx, http.MethodPost, "/conversations", nil, createConversationRequest{Title: title, IsAnonymous: anonymous}, &out)
	return out, err
}

// Conversation fetches one conversation's metadata.
func (c *Client) Conversation(ctx context.Context, id string) (Conversation, error) {
	var out Conversation
	err := c.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// RenameConversation updates the title. The backend takes the new title as a
// query parameter on PATCH.
func (c *Client) RenameConversation(ctx context.Context, id, title string) (Conversation, error) {
	q := url.Values{}
	q.Set("title", title)
	var out Conversation
	err := c.doJSON(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id), q, nil, &out)
	return out, err
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil, nil)
}

// Messages fetches one page of a conversation's messages. Page 1 is the
// newest window; each page is ordered oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string, page, pageSize int) (Page[Message], error) {
	var out Page[Message]
	err := c.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", pageQuery(page, pageSize), nil, &out)
	return out, err
}

// Send posts one user message and waits for the generated reply, under the
// extended send budget.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	var out SendResponse
	err := c.doJSONSlow(ctx, http.MethodPost, "/conversations/message", nil, req, &out)
	return out, err
}
