package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/whiteboard"
)

// ActivitySource streams coordinator activity per pair.
type ActivitySource interface {
	Activity(ctx context.Context, pair domain.PairID) (<-chan whiteboard.Activity, func())
}

// NoticeSource streams raw notice payloads published on a pub/sub channel.
type NoticeSource interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan []byte, func(), error)
}

// Hub manages WebSocket connections backed by the change feed and the activity bus.
type Hub struct {
	feed          domain.Feed
	pairs         map[domain.PairID]domain.Pair
	boards        map[domain.BoardID]domain.Pair
	activity      ActivitySource
	notices       NoticeSource
	noticeChannel string
}

// NewHub creates a new WebSocket hub.
func NewHub(feed domain.Feed, pairs []domain.Pair, activity ActivitySource) *Hub {
	h := &Hub{
		feed:     feed,
		pairs:    make(map[domain.PairID]domain.Pair, len(pairs)),
		boards:   make(map[domain.BoardID]domain.Pair, len(pairs)*2),
		activity: activity,
	}
	for _, p := range pairs {
		h.pairs[p.ID] = p
		h.boards[p.Primary] = p
		h.boards[p.Secondary] = p
	}
	return h
}

// WithNotices streams the payloads published on channel through ServeNotices.
func (h *Hub) WithNotices(src NoticeSource, channel string) *Hub {
	h.notices = src
	h.noticeChannel = channel
	return h
}

// HasNotices reports whether a notice source is configured.
func (h *Hub) HasNotices() bool {
	return h.notices != nil
}

// ServeBoard handles WebSocket connections for a board's change feed.
// Sends the insert and delete events of both boards of the board's pair.
func (h *Hub) ServeBoard(w http.ResponseWriter, r *http.Request) {
	board, err := domain.ParseBoardID(chi.URLParam(r, "boardID"))
	if err != nil {
		http.Error(w, "invalid board id", http.StatusBadRequest)
		return
	}
	pair, ok := h.boards[board]
	if !ok {
		http.Error(w, "unknown board", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frame and ends ctx.
	ctx := conn.CloseRead(r.Context())
	sub := uuid.New()
	logger := log.With().Str("subscriber", sub.String()).Str("board", board.String()).Logger()

	events, cleanup, err := h.feed.Subscribe(ctx, pair.Boards())
	if err != nil {
		logger.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	logger.Debug().Msg("websocket board feed opened")
	stream(ctx, conn, events)
}

// ServePairActivity handles WebSocket connections for a pair's coordinator activity.
func (h *Hub) ServePairActivity(w http.ResponseWriter, r *http.Request) {
	pair := domain.PairID(chi.URLParam(r, "pairID"))
	if _, ok := h.pairs[pair]; !ok {
		http.Error(w, "unknown pair", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	events, cancel := h.activity.Activity(ctx, pair)
	defer cancel()

	log.Debug().Str("subscriber", uuid.NewString()).Str("pair", string(pair)).Msg("websocket activity feed opened")
	stream(ctx, conn, events)
}

// ServeNotices handles WebSocket connections for user-visible notices.
func (h *Hub) ServeNotices(w http.ResponseWriter, r *http.Request) {
	if h.notices == nil {
		http.Error(w, "notices unavailable", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	messages, cleanup, err := h.notices.Subscribe(ctx, h.noticeChannel)
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

// stream writes every value of events as a JSON text message until the channel closes
// or the request ends.
func stream[T any](ctx context.Context, conn *websocket.Conn, events <-chan T) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			payload, err := json.Marshal(toMessage(ev))
			if err != nil {
				log.Error().Err(err).Msg("websocket encode")
				continue
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, payload); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
