package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Error string `json:"error"`
}

// WriteJSON はvをJSONとしてステータスコード付きで書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response",
			slog.String("error", err.Error()),
		)
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponseBody{Error: message})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, "internal server error")
}

// ErrorWriter はドメインエラーをHTTPレスポンスに変換する。
// 内部エラーの詳細は常にログへ出力し、ExposeInternalが有効な場合のみレスポンスにも含める。
type ErrorWriter struct {
	ExposeInternal bool
	Logger         *slog.Logger
}

// NewErrorWriter はErrorWriterを生成する。
func NewErrorWriter(exposeInternal bool, logger *slog.Logger) *ErrorWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorWriter{ExposeInternal: exposeInternal, Logger: logger}
}

// Write はerrの分類に応じたステータスとメッセージを書き込む。
func (ew *ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		authErr = model.NewInternalError(err)
	}

	status := authErr.Kind.HTTPStatus()
	message := authErr.Message

	if authErr.Kind == model.KindInternal {
		ew.Logger.Error("internal error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		if ew.ExposeInternal && authErr.Err != nil {
			message = authErr.Err.Error()
		}
	}

	WriteErrorResponse(w, status, message)
}
