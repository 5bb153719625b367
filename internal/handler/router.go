package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/assistant-harness/backend/internal/handler/assistant"
	"github.com/zhouzirui/assistant-harness/backend/internal/handler/media"
	middlewarePkg "github.com/zhouzirui/assistant-harness/backend/internal/middleware"
	assistantService "github.com/zhouzirui/assistant-harness/backend/internal/service/assistant"
	"github.com/zhouzirui/assistant-harness/backend/pkg/utils"
)

// Dependencies bundles what the HTTP surface needs.
type Dependencies struct {
	Assistant      *assistantService.Service
	AssistantToken string
	Tokens         media.TokenService
	CORSOrigins    []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.CORSOrigins))

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// 媒体令牌握手
		if deps.Tokens != nil {
			media.New(deps.Tokens).RegisterRoutes(api)
		}

		// 模拟助手双工通道
		if deps.Assistant != nil {
			assistant.New(deps.Assistant, deps.AssistantToken).RegisterRoutes(api)
		} else {
			api.Get("/assistant/ws", func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondError(w, http.StatusNotImplemented, "assistant channel not available")
			})
		}
	})

	return r
}
