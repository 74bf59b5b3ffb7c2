package lfchat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
	"github.com/NeboLoop/lostfound-chat-go-sdk/metrics"
)

// DefaultHistoryPageSize is how many recent messages a history fetch asks for.
const DefaultHistoryPageSize = 300

// maxSyncPages bounds one gap fill so a misbehaving server cannot keep us
// paging forever.
const maxSyncPages = 20

// MessageAPI is the REST collaborator of the MessageStore.
type MessageAPI interface {
	ListMessages(ctx context.Context, roomID string, sinceID int64, pageSize int) (*History, error)
	SendMessage(ctx context.Context, roomID string, req SendMessageRequest) (*Message, error)
}

// ConnStater reports the live connection state.
type ConnStater interface {
	State() ConnState
}

// MessageStore keeps one sequence per room, sorted by ascending ID and free
// of duplicate IDs, whatever order history pages and live deliveries
// arrive in.
type MessageStore struct {
	api      MessageAPI
	live     ConnStater
	clock    clock.Clock
	pageSize int
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewMessageStore creates an empty store. pageSize <= 0 selects
// DefaultHistoryPageSize.
func NewMessageStore(api MessageAPI, live ConnStater, clk clock.Clock, pageSize int, logger *slog.Logger) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		api:      api,
		live:     live,
		clock:    clk,
		pageSize: pageSize,
		logger:   logger,
		rooms:    make(map[string][]Message),
	}
}

// LoadHistory fetches the most recent page of roomID and merges it. On
// error the room's sequence is left as it was.
func (s *MessageStore) LoadHistory(ctx context.Context, roomID string) (*History, error) {
	h, err := s.api.ListMessages(ctx, roomID, 0, s.pageSize)
	if err != nil {
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load history %s: %w", roomID, err)
	}
	metrics.HistoryFetches.WithLabelValues("ok").Inc()
	s.merge(roomID, h.Messages, "history")
	return h, nil
}

// SyncSince fetches everything newer than the last message held for roomID
// and merges it. It returns the number of messages that were new.
func (s *MessageStore) SyncSince(ctx context.Context, roomID string) (int, error) {
	since := s.LastID(roomID)
	if since == 0 {
		h, err := s.LoadHistory(ctx, roomID)
		if err != nil {
			return 0, err
		}
		return len(h.Messages), nil
	}

	added := 0
	for page := 0; page < maxSyncPages; page++ {
		h, err := s.api.ListMessages(ctx, roomID, since, s.pageSize)
		if err != nil {
			metrics.HistoryFetches.WithLabelValues("error").Inc()
			return added, fmt.Errorf("sync %s since %d: %w", roomID, since, err)
		}
		metrics.HistoryFetches.WithLabelValues("ok").Inc()
		added += s.merge(roomID, h.Messages, "history")

		next := s.LastID(roomID)
		if len(h.Messages) < s.pageSize || next <= since {
			break
		}
		since = next
	}
	return added, nil
}

// ApplyIncoming merges one live message. It returns false when a message
// with the same ID is already held.
func (s *MessageStore) ApplyIncoming(roomID string, m Message) bool {
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	return s.merge(roomID, []Message{m}, "live") == 1
}

// Messages returns a copy of roomID's sequence.
func (s *MessageStore) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rooms[roomID])
}

// LastID returns the highest message ID held for roomID, 0 if none.
func (s *MessageStore) LastID(roomID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.rooms[roomID]
	if len(seq) == 0 {
		return 0
	}
	return seq[len(seq)-1].ID
}

// Forget drops roomID's sequence.
func (s *MessageStore) Forget(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Send posts a message through the REST API. Nothing is inserted locally:
// the accepted copy arrives on the room's live topic, so sending requires
// the live connection.
func (s *MessageStore) Send(ctx context.Context, roomID, body string, kind Kind) (*Message, error) {
	if s.live.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if kind == "" {
		kind = KindText
	}
	msg, err := s.api.SendMessage(ctx, roomID, SendMessageRequest{
		Body:   body,
		Kind:   kind,
		SentAt: s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) merge(roomID string, msgs []Message, source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.rooms[roomID]
	added := 0
	for _, m := range msgs {
		i := sort.Search(len(seq), func(i int) bool { return seq[i].ID >= m.ID })
		if i < len(seq) && seq[i].ID == m.ID {
			metrics.MessagesApplied.WithLabelValues(source, "duplicate").Inc()
			continue
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		seq = slices.Insert(seq, i, m)
		added++
		metrics.MessagesApplied.WithLabelValues(source, "inserted").Inc()
	}
	s.rooms[roomID] = seq
	return added
}
