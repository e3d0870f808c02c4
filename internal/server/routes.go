package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/boardsync/internal/api/v1"
	"github.com/gosuda/boardsync/internal/api/ws"
	"github.com/gosuda/boardsync/internal/server/middleware"
)

func registerAPIRoutes(api huma.API, engine Engine) {
	v1.RegisterBoardRoutes(api, engine)
	v1.RegisterPairRoutes(api, engine)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/boards/{boardID}", hub.ServeBoard)
	// Pair activity is the teacher's monitoring view.
	r.With(middleware.RequireTeacher()).Get("/pairs/{pairID}/activity", hub.ServePairActivity)
	if hub.HasNotices() {
		r.Get("/notices", hub.ServeNotices)
	}
}
