package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"studio/internal/compiler"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/middleware"
)

// Intake compiles treatments into persisted manifests.
type Intake interface {
	Compile(ctx context.Context, req compiler.Request) (*compiler.Result, error)
}

type App struct {
	Intake Intake
	Ledger domain.Ledger
	Logger infra.Logger
	// Ping reports backend readiness; nil means always ready.
	Ping func(ctx context.Context) error
}

func NewApp(intake Intake, ledger domain.Ledger, logger infra.Logger) *App {
	return &App{Intake: intake, Ledger: ledger, Logger: logger}
}

type errorBody struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Issues  []domain.FieldIssue `json:"issues,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
