package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/policy"
)

type PairView struct {
	ID        domain.PairID  `json:"id"`
	Primary   domain.BoardID `json:"primary"`
	Secondary domain.BoardID `json:"secondary"`
	Mode      policy.Mode    `json:"mode"`
	Enabled   bool           `json:"enabled"`
}

type ListPairsInput struct{}

type ListPairsOutput struct {
	Body []PairView
}

type SetPairModeInput struct {
	PairID string `path:"pairID" doc:"Pair ID, e.g. pair-1"`
	Body   struct {
		Mode string `json:"mode" enum:"off,one-way,two-way" doc:"Sync mode"`
	}
}

type PairOutput struct {
	Body *PairView
}

type TogglePairInput struct {
	PairID string `path:"pairID" doc:"Pair ID, e.g. pair-1"`
}

func RegisterPairRoutes(api huma.API, sync SyncController) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pairs",
		Method:      http.MethodGet,
		Path:        "/pairs",
		Summary:     "List pairs with their sync mode and enable flag",
		Tags:        []string{"Pairs"},
	}, func(_ context.Context, _ *ListPairsInput) (*ListPairsOutput, error) {
		states := sync.Pairs()
		out := make([]PairView, 0, len(states))
		for _, st := range states {
			out = append(out, pairView(st))
		}
		return &ListPairsOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-pair-mode",
		Method:      http.MethodPut,
		Path:        "/pairs/{pairID}/mode",
		Summary:     "Set a pair's sync mode",
		Tags:        []string{"Pairs"},
	}, func(ctx context.Context, input *SetPairModeInput) (*PairOutput, error) {
		if err := requireTeacher(ctx); err != nil {
			return nil, err
		}

		mode, err := policy.ParseMode(input.Body.Mode)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid sync mode", err)
		}

		id := domain.PairID(input.PairID)
		if err := sync.SetSyncMode(ctx, id, mode); err != nil {
			return nil, pairError(err, "failed to set sync mode")
		}

		return findPair(sync, id)
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-pair",
		Method:      http.MethodPost,
		Path:        "/pairs/{pairID}/toggle",
		Summary:     "Flip a pair's sync enable flag",
		Tags:        []string{"Pairs"},
	}, func(ctx context.Context, input *TogglePairInput) (*PairOutput, error) {
		if err := requireTeacher(ctx); err != nil {
			return nil, err
		}

		id := domain.PairID(input.PairID)
		if _, err := sync.ToggleSyncForPair(ctx, id); err != nil {
			return nil, pairError(err, "failed to toggle pair")
		}

		return findPair(sync, id)
	})
}

func pairView(st policy.PairState) PairView {
	return PairView{
		ID:        st.Pair.ID,
		Primary:   st.Pair.Primary,
		Secondary: st.Pair.Secondary,
		Mode:      st.Mode,
		Enabled:   st.Enabled,
	}
}

func findPair(sync SyncController, id domain.PairID) (*PairOutput, error) {
	for _, st := range sync.Pairs() {
		if st.Pair.ID == id {
			v := pairView(st)
			return &PairOutput{Body: &v}, nil
		}
	}
	return nil, huma.Error404NotFound("pair not found")
}

func pairError(err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrUnknownPair):
		return huma.Error404NotFound("pair not found")
	case errors.Is(err, domain.ErrInvalidMode):
		return huma.Error400BadRequest("invalid sync mode", err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
