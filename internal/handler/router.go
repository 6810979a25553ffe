package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/graymar/client/internal/handler/live"
	sessionhandler "github.com/zhouzirui/graymar/client/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/graymar/client/internal/middleware"
	"github.com/zhouzirui/graymar/client/internal/service/session"
	"github.com/zhouzirui/graymar/client/pkg/utils"
)

// NewRouter wires the bridge routes to the session store.
func NewRouter(store *session.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := sessionhandler.New(store)
	liveHandler := live.New(store, store)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		liveHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
	})

	return r
}
