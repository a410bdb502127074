// Package api is the request/response client for the marketplace
// conversation API: room creation and listing, message history pages,
// mark-as-read, and message edit/delete. Plain call/response; retries beyond
// what the HTTP layer already does are deliberately absent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bazaar/market-chat/internal/protocol"
	"github.com/bazaar/market-chat/internal/room"
)

// TokenSource supplies the bearer credential attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ChatSummary is one row of the room list: the room plus its server-side
// unread seed value.
type ChatSummary struct {
	room.Room
	Unread int `json:"unread_count"`
}

// Client talks to the conversation API.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
}

// NewClient creates a conversation API client for the given base URL
// (e.g. "https://market.example.com/api").
func NewClient(base string, tokens TokenSource) *Client {
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
	}
}

// CreateChat opens a conversation of the given kind with the given
// participants. subjectID anchors the room to a listing or transaction and
// may be empty for support rooms.
func (c *Client) CreateChat(ctx context.Context, kind, subjectID string, participants []string) (room.Room, error) {
	body := map[string]interface{}{
		"kind":         kind,
		"participants": participants,
	}
	if subjectID != "" {
		body["subject_id"] = subjectID
	}

	var created room.Room
	if err := c.do(ctx, http.MethodPost, "/chats", body, &created); err != nil {
		return room.Room{}, err
	}
	return created, nil
}

// ListChats returns the user's rooms with unread seed counts.
func (c *Client) ListChats(ctx context.Context) ([]ChatSummary, error) {
	var out []ChatSummary
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches one page of a room's message history, newest last.
// beforeID pages backwards and may be empty for the latest page.
func (c *Client) History(ctx context.Context, chatID, beforeID string, limit int) ([]protocol.Message, error) {
	q := url.Values{}
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out []protocol.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a message body to a room. The authoritative message —
// with its server-assigned id — arrives back through the broker as a
// new_message push; this call only reports acceptance.
func (c *Client) SendMessage(ctx context.Context, chatID, body string) error {
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	return c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// MarkRead reports the user's read position for a room.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/read", nil, nil)
}

// EditMessage replaces a message body. The broker pushes the resulting
// message_updated frame to all subscribers, including this client.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID, body string) error {
	path := "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodPatch, path, map[string]string{"body": body}, nil)
}

// DeleteMessage removes a message. Subscribers receive message_deleted.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	path := "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do performs one authenticated JSON request and decodes the response into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("api: credential: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
