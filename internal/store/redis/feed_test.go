package redis_test

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/domain"
	redisstore "github.com/gosuda/boardsync/internal/store/redis"
)

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "insert",
			payload: `{"type":"insert","board_id":"student-1","record":{"id":"01A","board_id":"student-1","source_board":"teacher-1","object_data":{"objects":[]},"created_at":"2026-03-01T09:00:00Z"}}`,
		},
		{name: "delete", payload: `{"type":"delete","board_id":"teacher-2"}`},
		{name: "insert without record", payload: `{"type":"insert","board_id":"student-1"}`, wantErr: true},
		{name: "unknown type", payload: `{"type":"update","board_id":"student-1"}`, wantErr: true},
		{name: "missing board", payload: `{"type":"delete"}`, wantErr: true},
		{name: "not json", payload: `board:teacher-1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := redisstore.DecodeEvent([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEncodeDecodeInsert(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := domain.ChangeEvent{
		Type:    domain.EventInsert,
		BoardID: "student-1",
		Record: &domain.StateRecord{
			ID:          "01A",
			BoardID:     "student-1",
			SourceBoard: "teacher-1",
			Data:        json.RawMessage(`{"objects":[{"id":"a","type":"rect"}]}`),
			CreatedAt:   at,
		},
	}

	payload, err := redisstore.EncodeEvent(ev)
	require.NoError(t, err)

	got, err := redisstore.DecodeEvent(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Record)
	assert.Equal(t, domain.BoardID("teacher-1"), got.Record.SourceBoard)
	assert.True(t, at.Equal(got.Record.CreatedAt))
	assert.JSONEq(t, string(ev.Record.Data), string(got.Record.Data))
}

func TestFeed_Live(t *testing.T) {
	addr := os.Getenv("BOARDSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BOARDSYNC_TEST_REDIS_ADDR not set")
	}

	ps, err := redisstore.New(t.Context(), addr, "", 0)
	require.NoError(t, err)
	defer ps.Close()

	feed := redisstore.NewFeed(ps)
	events, cleanup, err := feed.Subscribe(t.Context(), []domain.BoardID{"teacher-5", "student-5"})
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, feed.Publish(t.Context(), domain.ChangeEvent{Type: domain.EventDelete, BoardID: "teacher-4"}))
	require.NoError(t, feed.Publish(t.Context(), domain.ChangeEvent{Type: domain.EventDelete, BoardID: "student-5"}))

	select {
	case ev := <-events:
		assert.Equal(t, domain.BoardID("student-5"), ev.BoardID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	settings := redisstore.NewSettings(ps)
	require.NoError(t, settings.Set(t.Context(), "boardsync:test:mode", "two-way"))
	v, ok, err := settings.Get(t.Context(), "boardsync:test:mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two-way", v)
}
