package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/server/middleware"
	"github.com/gosuda/boardsync/internal/whiteboard"
)

// SnapshotBody is the wire form of a board snapshot.
type SnapshotBody struct {
	Version    string           `json:"version,omitempty" doc:"Canvas library version"`
	Objects    []map[string]any `json:"objects" doc:"Serialized canvas objects"`
	Background string           `json:"background,omitempty" doc:"Background color"`
}

type BoardSummary struct {
	ID      domain.BoardID `json:"id"`
	Role    domain.Role    `json:"role"`
	Pair    domain.PairID  `json:"pair"`
	Paired  domain.BoardID `json:"paired"`
	Mounted bool           `json:"mounted"`
}

type BoardDetail struct {
	BoardSummary
	Snapshot SnapshotBody `json:"snapshot"`
}

type ListBoardsInput struct{}

type ListBoardsOutput struct {
	Body []BoardSummary
}

type GetBoardInput struct {
	BoardID string `path:"boardID" doc:"Board ID, e.g. teacher-1"`
}

type GetBoardOutput struct {
	Body *BoardDetail
}

type PutBoardInput struct {
	BoardID string `path:"boardID" doc:"Board ID, e.g. student-1"`
	Body    SnapshotBody
}

type PutBoardOutput struct {
	Body struct {
		Board     domain.BoardID `json:"board"`
		Scheduled bool           `json:"scheduled" doc:"Whether a save was scheduled; false when the content is unchanged"`
	}
}

type BoardStats struct {
	Board     domain.BoardID `json:"board"`
	Received  int            `json:"received"`
	Verdicts  map[string]int `json:"verdicts"`
	Merged    int            `json:"merged"`
	Fallbacks int            `json:"fallbacks"`
	Failed    int            `json:"failed"`
	Reloads   int            `json:"reloads"`
	Queued    int            `json:"queued"`
	Dropped   int            `json:"dropped"`
	Pending   bool           `json:"pending"`
}

type GetBoardStatsOutput struct {
	Body *BoardStats
}

type ClearBoardsInput struct{}

func RegisterBoardRoutes(api huma.API, engine Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-boards",
		Method:      http.MethodGet,
		Path:        "/boards",
		Summary:     "List boards with their role and pair",
		Tags:        []string{"Boards"},
	}, func(_ context.Context, _ *ListBoardsInput) (*ListBoardsOutput, error) {
		boards := engine.Boards()
		out := make([]BoardSummary, 0, len(boards))
		for _, b := range boards {
			out = append(out, summarize(engine, b))
		}
		return &ListBoardsOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/boards/{boardID}",
		Summary:     "Get a board replica snapshot",
		Tags:        []string{"Boards"},
	}, func(_ context.Context, input *GetBoardInput) (*GetBoardOutput, error) {
		board, err := lookupBoard(engine, input.BoardID)
		if err != nil {
			return nil, err
		}

		snap, err := engine.Snapshot(board)
		if err != nil {
			if errors.Is(err, whiteboard.ErrNotMounted) {
				return nil, huma.Error404NotFound("board not mounted")
			}
			return nil, huma.Error500InternalServerError("failed to read board", err)
		}

		body, err := toBody(snap)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to encode snapshot", err)
		}

		return &GetBoardOutput{Body: &BoardDetail{BoardSummary: summarize(engine, board), Snapshot: body}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-board",
		Method:      http.MethodPut,
		Path:        "/boards/{boardID}",
		Summary:     "Replace a board's content as a local edit",
		Tags:        []string{"Boards"},
	}, func(ctx context.Context, input *PutBoardInput) (*PutBoardOutput, error) {
		claims, ok := middleware.ClaimsFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing credentials")
		}

		board, err := lookupBoard(engine, input.BoardID)
		if err != nil {
			return nil, err
		}
		if !claims.CanWrite(board) {
			return nil, huma.Error403Forbidden("not allowed to edit this board")
		}

		snap, err := fromBody(input.Body)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid snapshot", err)
		}

		scheduled, err := engine.Replace(ctx, board, snap)
		if err != nil {
			switch {
			case errors.Is(err, whiteboard.ErrNotMounted):
				return nil, huma.Error404NotFound("board not mounted")
			case errors.Is(err, domain.ErrMalformedSnapshot):
				return nil, huma.Error400BadRequest("invalid snapshot", err)
			default:
				return nil, huma.Error500InternalServerError("failed to apply edit", err)
			}
		}

		out := &PutBoardOutput{}
		out.Body.Board = board
		out.Body.Scheduled = scheduled
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board-stats",
		Method:      http.MethodGet,
		Path:        "/boards/{boardID}/stats",
		Summary:     "Get a board's remote update counters",
		Tags:        []string{"Boards"},
	}, func(_ context.Context, input *GetBoardInput) (*GetBoardStatsOutput, error) {
		board, err := lookupBoard(engine, input.BoardID)
		if err != nil {
			return nil, err
		}

		st, err := engine.Stats(board)
		if err != nil {
			if errors.Is(err, whiteboard.ErrNotMounted) {
				return nil, huma.Error404NotFound("board not mounted")
			}
			return nil, huma.Error500InternalServerError("failed to read stats", err)
		}

		verdicts := make(map[string]int, len(st.Verdicts))
		for v, n := range st.Verdicts {
			verdicts[v.String()] = n
		}

		return &GetBoardStatsOutput{Body: &BoardStats{
			Board:     board,
			Received:  st.Received,
			Verdicts:  verdicts,
			Merged:    st.Merged,
			Fallbacks: st.Fallbacks,
			Failed:    st.Failed,
			Reloads:   st.Reloads,
			Queued:    st.Queued,
			Dropped:   st.Dropped,
			Pending:   st.Pending,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clear-boards",
		Method:        http.MethodDelete,
		Path:          "/boards",
		Summary:       "Delete every stored board state and reload the replicas",
		Tags:          []string{"Boards"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *ClearBoardsInput) (*struct{}, error) {
		if err := requireTeacher(ctx); err != nil {
			return nil, err
		}

		if err := engine.ClearAllData(ctx); err != nil {
			return nil, huma.Error500InternalServerError("failed to clear boards", err)
		}

		return nil, nil
	})
}

func lookupBoard(engine Engine, raw string) (domain.BoardID, error) {
	board, err := domain.ParseBoardID(raw)
	if err != nil {
		return "", huma.Error404NotFound("board not found")
	}
	if _, err := engine.PairOf(board); err != nil {
		return "", huma.Error404NotFound("board not found")
	}
	return board, nil
}

func summarize(engine Engine, board domain.BoardID) BoardSummary {
	s := BoardSummary{ID: board, Role: board.Role(), Mounted: engine.IsMounted(board)}
	if pair, err := engine.PairOf(board); err == nil {
		s.Pair = pair.ID
		s.Paired = pair.Other(board)
	}
	return s
}

func requireTeacher(ctx context.Context) error {
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		return huma.Error401Unauthorized("missing credentials")
	}
	if !claims.IsTeacher() {
		return huma.Error403Forbidden("teacher role required")
	}
	return nil
}

func toBody(snap domain.Snapshot) (SnapshotBody, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return SnapshotBody{}, err
	}
	var body SnapshotBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return SnapshotBody{}, err
	}
	if body.Objects == nil {
		body.Objects = []map[string]any{}
	}
	return body, nil
}

func fromBody(body SnapshotBody) (domain.Snapshot, error) {
	if body.Objects == nil {
		body.Objects = []map[string]any{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.DecodeSnapshot(raw)
}
