package lfchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenSource returns a currently valid bearer credential. An empty token
// with a nil error means the user is signed out.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// APIClient talks to the chat REST endpoints. It works independently of the
// live connection.
type APIClient struct {
	base       string
	tokens     TokenSource
	httpClient *http.Client
}

// NewAPIClient creates a REST client rooted at base (e.g.
// "https://api.example.com/api/v1"). httpClient may be nil.
func NewAPIClient(base string, tokens TokenSource, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		base:       strings.TrimRight(base, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

// --------------------------------------------------------------------------
// Rooms
// --------------------------------------------------------------------------

// ListRooms returns the rooms the signed-in user participates in.
func (c *APIClient) ListRooms(ctx context.Context) ([]Room, error) {
	var resp RoomsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/chat/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// GetRoom fetches a single room with its participants and listing link.
func (c *APIClient) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	if err := c.doJSON(ctx, http.MethodGet, roomPath(roomID), nil, &room); err != nil {
		return nil, err
	}
	if room.ID == "" {
		room.ID = roomID
	}
	return &room, nil
}

// DeleteRoom leaves and deletes a room.
func (c *APIClient) DeleteRoom(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodDelete, roomPath(roomID), nil, nil)
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// ListMessages returns up to pageSize messages newer than sinceID (0 for the
// most recent page) plus the counterpart's read cursor.
func (c *APIClient) ListMessages(ctx context.Context, roomID string, sinceID int64, pageSize int) (*History, error) {
	params := url.Values{}
	if sinceID > 0 {
		params.Set("since", strconv.FormatInt(sinceID, 10))
	}
	if pageSize > 0 {
		params.Set("size", strconv.Itoa(pageSize))
	}
	path := roomPath(roomID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var h History
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &h); err != nil {
		return nil, err
	}
	for i := range h.Messages {
		if h.Messages[i].RoomID == "" {
			h.Messages[i].RoomID = roomID
		}
	}
	return &h, nil
}

// SendMessage posts a message. The accepted copy is also delivered on the
// room's live topic.
func (c *APIClient) SendMessage(ctx context.Context, roomID string, req SendMessageRequest) (*Message, error) {
	var msg Message
	if err := c.doJSON(ctx, http.MethodPost, roomPath(roomID)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead moves the signed-in user's server-side read cursor.
func (c *APIClient) MarkRead(ctx context.Context, roomID string, lastReadID int64) error {
	return c.doJSON(ctx, http.MethodPatch, roomPath(roomID)+"/read", MarkReadRequest{LastReadChatID: lastReadID}, nil)
}

// --------------------------------------------------------------------------
// Listings
// --------------------------------------------------------------------------

// GetListing fetches a listing's author identity.
func (c *APIClient) GetListing(ctx context.Context, listingID string) (*Listing, error) {
	var l Listing
	if err := c.doJSON(ctx, http.MethodGet, "/posts/"+url.PathEscape(listingID), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// --------------------------------------------------------------------------
// HTTP helpers
// --------------------------------------------------------------------------

func roomPath(roomID string) string { return "/chat/rooms/" + url.PathEscape(roomID) }

// doJSON sends an authed request and decodes the JSON response into dest.
func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	token, err := c.tokens(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if token == "" {
		return ErrNoCredential
	}

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if dest != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
