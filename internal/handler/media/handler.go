package media

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/assistant-harness/backend/internal/model/media"
	"github.com/zhouzirui/assistant-harness/backend/internal/service/credential"
	"github.com/zhouzirui/assistant-harness/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// TokenService 抽象媒体令牌握手，便于测试与替换实现
type TokenService interface {
	DecryptToken(req media.DecryptRequest) (string, error)
	IssueToken(token string) (media.IssuedToken, error)
}

// Handler 媒体令牌的HTTP处理器
type Handler struct {
	tokens TokenService
}

// New 创建媒体令牌处理器
func New(tokens TokenService) *Handler {
	return &Handler{tokens: tokens}
}

// RegisterRoutes 注册媒体令牌相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/media", func(mediaRouter chi.Router) {
		// 模拟签发方
		mediaRouter.Post("/token", h.handleIssue)
		mediaRouter.Post("/token/decrypt", h.handleDecrypt)
	})
}

// handleDecrypt 解密轮换令牌。字段缺失返回 400，任何密码学失败统一返回 500
func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req media.DecryptRequest
	if err := utils.DecodeJSON(w, r, &req, maxBodyBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decrypted, err := h.tokens.DecryptToken(req)
	if err != nil {
		if errors.Is(err, credential.ErrMissingField) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[media] token decrypt failed rotatingId=%s", req.RotatingID)
		utils.RespondError(w, http.StatusInternalServerError, "failed to decrypt token")
		return
	}

	utils.RespondJSON(w, http.StatusOK, media.DecryptResponse{Decrypted: decrypted})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req media.IssueRequest
	if err := utils.DecodeJSON(w, r, &req, maxBodyBytes); err != nil && !errors.Is(err, utils.ErrEmptyBody) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	issued, err := h.tokens.IssueToken(req.Token)
	if err != nil {
		if errors.Is(err, credential.ErrMissingField) {
			utils.RespondError(w, http.StatusServiceUnavailable, "media token salt not configured")
			return
		}
		log.Printf("[media] token issue failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	log.Printf("[media] issued token rotatingId=%s", issued.RotatingID)
	utils.RespondJSON(w, http.StatusOK, issued)
}
