package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
)

// ProviderServiceInterface はプロバイダ連携ハンドラーが必要とするサービスインターフェース。
type ProviderServiceInterface interface {
	ListProviders(ctx context.Context, userID string) ([]*model.ProviderLink, error)
	LinkProvider(ctx context.Context, userID string, in provider.LinkInput) (*model.ProviderLink, error)
	UnlinkProvider(ctx context.Context, userID, providerName string) error
}

// ProvidersHandler は認証済みユーザーのプロバイダ連携を扱うHTTPハンドラー。
type ProvidersHandler struct {
	service   ProviderServiceInterface
	errWriter *middleware.ErrorWriter
}

// NewProvidersHandler はProvidersHandlerを生成する。
func NewProvidersHandler(service ProviderServiceInterface, errWriter *middleware.ErrorWriter) *ProvidersHandler {
	return &ProvidersHandler{service: service, errWriter: errWriter}
}

type providerLinkResponse struct {
	Provider   string    `json:"provider"`
	ProviderID string    `json:"providerId"`
	Email      *string   `json:"email"`
	LinkedAt   time.Time `json:"linkedAt"`
}

type providersListResponse struct {
	Providers []providerLinkResponse `json:"providers"`
}

type linkProviderRequest struct {
	Provider   string          `json:"provider"`
	ProviderID string          `json:"providerId"`
	Email      string          `json:"email"`
	Data       json.RawMessage `json:"data"`
}

// ServeHTTP はメソッドに応じて一覧・連携・解除を振り分ける。
// それ以外のメソッドには405を返す。
func (h *ProvidersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.list(w, r, userID)
	case http.MethodPost:
		h.link(w, r, userID)
	case http.MethodDelete:
		h.unlink(w, r, userID)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// list はユーザーの連携一覧を新しい順に返す。
// GET /providers
func (h *ProvidersHandler) list(w http.ResponseWriter, r *http.Request, userID string) {
	links, err := h.service.ListProviders(r.Context(), userID)
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	resp := providersListResponse{Providers: make([]providerLinkResponse, 0, len(links))}
	for _, link := range links {
		resp.Providers = append(resp.Providers, providerLinkResponse{
			Provider:   link.Provider,
			ProviderID: link.ProviderUserID,
			Email:      link.ProviderEmail,
			LinkedAt:   link.LinkedAt.UTC(),
		})
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// link はプロバイダを連携する。同じプロバイダが既にあれば上書きする。
// POST /providers
func (h *ProvidersHandler) link(w http.ResponseWriter, r *http.Request, userID string) {
	var req linkProviderRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	_, err := h.service.LinkProvider(r.Context(), userID, provider.LinkInput{
		Provider:       req.Provider,
		ProviderUserID: req.ProviderID,
		Email:          req.Email,
		Data:           req.Data,
	})
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Provider linked successfully",
	})
}

// unlink はプロバイダ連携を解除する。最後の1件は解除できない。
// DELETE /providers?provider=xxx
func (h *ProvidersHandler) unlink(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.service.UnlinkProvider(r.Context(), userID, r.URL.Query().Get("provider")); err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Provider unlinked successfully",
	})
}
