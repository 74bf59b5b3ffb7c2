package lfchat

import (
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Roles and kinds
// --------------------------------------------------------------------------

// Role is a participant's position in a room. Messages carry the sender's
// role rather than a user id.
type Role string

const (
	RoleAuthor Role = "AUTHOR" // owns the linked listing
	RoleCaller Role = "CALLER" // the counterpart who reached out
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool { return r == RoleAuthor || r == RoleCaller }

// Kind is the content type of a message.
type Kind string

const (
	KindText  Kind = "TEXT"
	KindImage Kind = "IMAGE"
	KindExit  Kind = "EXIT" // system message: a participant left the room
)

// --------------------------------------------------------------------------
// Rooms and messages
// --------------------------------------------------------------------------

// Participant is a user summary inside a room payload.
type Participant struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

// Room is a two-party channel tied to a listing.
type Room struct {
	ID           string        `json:"roomId"`
	Participants []Participant `json:"participants,omitempty"`
	ListingID    string        `json:"postId,omitempty"`
	AuthorID     string        `json:"authorId,omitempty"` // listing author's user id, when the payload has it
	DisplayName  string        `json:"name,omitempty"`
}

// Message is a chat message. ID is assigned by the server and strictly
// increases within a room; display order is by ID only.
type Message struct {
	ID       int64     `json:"chatId"`
	RoomID   string    `json:"roomId"`
	Role     Role      `json:"role"`
	Kind     Kind      `json:"type"`
	Body     string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
	ServerAt time.Time `json:"createdAt"`
}

// ReadReceipt reports that the participant holding Role has read up to
// LastReadChatID.
type ReadReceipt struct {
	RoomID         string `json:"roomId"`
	Role           Role   `json:"role"`
	LastReadChatID int64  `json:"lastReadChatId"`
}

// History is a one-shot REST page of a room's messages together with the
// counterpart's read cursor at fetch time.
type History struct {
	Messages         []Message `json:"messages"`
	RemoteLastReadID int64     `json:"remoteLastReadId"`
}

// Listing is the part of a listing detail the chat layer needs.
type Listing struct {
	ID       string `json:"postId"`
	AuthorID string `json:"authorId"`
	Title    string `json:"title,omitempty"`
}

// --------------------------------------------------------------------------
// Request bodies
// --------------------------------------------------------------------------

// SendMessageRequest is sent to POST /chat/rooms/{id}/messages.
type SendMessageRequest struct {
	Body   string    `json:"content"`
	Kind   Kind      `json:"type"`
	SentAt time.Time `json:"sentAt"`
}

// MarkReadRequest is sent to PATCH /chat/rooms/{id}/read.
type MarkReadRequest struct {
	LastReadChatID int64 `json:"lastReadChatId"`
}

// RoomsResponse is returned by GET /chat/rooms.
type RoomsResponse struct {
	Rooms []Room `json:"rooms"`
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrNoCredential is returned by Connect when the token source has no
	// valid bearer credential.
	ErrNoCredential = errors.New("lfchat: no credential available")

	// ErrNotConnected is returned when an operation needs the live
	// transport and it is not connected.
	ErrNotConnected = errors.New("lfchat: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lfchat: closed")
)

// APIError is a non-2xx answer from the chat REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}
