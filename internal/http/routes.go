package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"communitysync/internal/auth"
	"communitysync/internal/metrics"
	"communitysync/internal/model"
	"communitysync/internal/pipeline"
)

type Server struct {
	DB      *sqlx.DB
	Store   *pipeline.Store
	Workers *pipeline.Workers
	Log     *slog.Logger
}

func NewServer(addr, apiToken string, dbx *sqlx.DB, store *pipeline.Store, workers *pipeline.Workers, log *slog.Logger) *http.Server {
	s := &Server{DB: dbx, Store: store, Workers: workers, Log: log}
	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, m.Logger, m.Recoverer)

	// Admin/API-token protected
	r.Group(func(r chi.Router) {
		r.Use(RequireAPIToken(apiToken))
		r.Post("/integrations", s.createIntegration)
		r.Delete("/integrations/{id}", s.deleteIntegration)
		r.Post("/integrations/{id}/sync", s.triggerSync)
		r.Get("/runs/{id}", s.getRun)
		r.Get("/runs/errors", s.listRunErrors)
	})

	// Webhook intake authenticates with the per-integration token issued at
	// install time (Authorization: Bearer <token>).
	r.Post("/webhooks/{id}", s.receiveWebhook)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"db error"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &http.Server{Addr: addr, Handler: r}
}

type createIntegrationReq struct {
	TenantID string          `json:"tenant_id"`
	Platform string          `json:"platform"`
	Settings json.RawMessage `json:"settings"`
}

type createIntegrationResp struct {
	IntegrationID string `json:"integration_id"`
	WebhookToken  string `json:"webhook_token"`
	RunID         string `json:"run_id"`
}

type triggerSyncReq struct {
	Onboarding bool `json:"onboarding"`
}

type runResp struct {
	RunID string `json:"run_id"`
}

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// createIntegration registers a platform integration for a tenant and kicks
// off its onboarding run. The webhook token is returned once and stored only
// as a hash.
func (s *Server) createIntegration(w http.ResponseWriter, r *http.Request) {
	var req createIntegrationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, 400, errResp{err.Error()})
		return
	}
	if req.TenantID == "" || req.Platform == "" {
		writeJSON(w, 400, errResp{"tenant_id and platform are required"})
		return
	}
	settings := req.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}

	id := uuid.NewString()
	token := uuid.NewString()
	_, err := s.DB.ExecContext(r.Context(),
		`INSERT INTO integrations (id, tenant_id, platform, settings, webhook_token_hash)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, req.TenantID, req.Platform, settings, auth.HashToken(token))
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}

	runID, err := s.Workers.TriggerSync(r.Context(), req.TenantID, id, model.Platform(req.Platform), true)
	if err != nil {
		writeJSON(w, 500, errResp{fmt.Sprintf("integration created but onboarding failed: %v", err)})
		return
	}
	s.Log.Info("integration created", "integration", id, "tenant", req.TenantID, "platform", req.Platform, "run", runID)
	writeJSON(w, 200, createIntegrationResp{IntegrationID: id, WebhookToken: token, RunID: runID})
}

// deleteIntegration soft-deletes so queued work for it can abandon instead
// of erroring.
func (s *Server) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.DB.ExecContext(r.Context(),
		`UPDATE integrations SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeJSON(w, 404, errResp{"integration not found"})
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req triggerSyncReq
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var integ model.Integration
	err := s.DB.GetContext(r.Context(), &integ,
		`SELECT * FROM integrations WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		writeJSON(w, 404, errResp{"integration not found"})
		return
	}
	runID, err := s.Workers.TriggerSync(r.Context(), integ.TenantID, integ.ID, integ.Platform, req.Onboarding)
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	writeJSON(w, 200, runResp{RunID: runID})
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeJSON(w, 401, errResp{"missing bearer"})
		return
	}

	var integ model.Integration
	err := s.DB.GetContext(r.Context(), &integ,
		`SELECT * FROM integrations
		 WHERE id = $1 AND deleted_at IS NULL AND webhook_token_hash = $2`,
		id, auth.HashToken(token))
	if err != nil {
		writeJSON(w, 404, errResp{"integration not found"})
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, 400, errResp{err.Error()})
		return
	}
	err = s.Workers.PublishWebhook(r.Context(), integ.TenantID, integ.ID, integ.Platform, payload)
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	writeJSON(w, 202, map[string]string{"status": "queued"})
}

type runOut struct {
	RunID         string               `json:"run_id"`
	TenantID      string               `json:"tenant_id"`
	IntegrationID string               `json:"integration_id"`
	Platform      model.Platform       `json:"platform"`
	State         model.RunState       `json:"state"`
	Onboarding    bool                 `json:"onboarding"`
	Error         *model.PipelineError `json:"error,omitempty"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
}

func runToOut(run *model.Run) runOut {
	out := runOut{
		RunID:         run.ID,
		TenantID:      run.TenantID,
		IntegrationID: run.IntegrationID,
		Platform:      run.Platform,
		State:         run.State,
		Onboarding:    run.Onboarding,
		CreatedAt:     run.CreatedAt.Format(timeLayout),
		UpdatedAt:     run.UpdatedAt.Format(timeLayout),
	}
	if len(run.Error) > 0 {
		var pe model.PipelineError
		if json.Unmarshal(run.Error, &pe) == nil {
			out.Error = &pe
		}
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.Store.GetRun(r.Context(), id)
	if err != nil {
		writeJSON(w, 404, errResp{"not found"})
		return
	}
	writeJSON(w, 200, runToOut(run))
}

func (s *Server) listRunErrors(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.RunErrors(r.Context(), 100)
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	out := make([]runOut, 0, len(runs))
	for i := range runs {
		out = append(out, runToOut(&runs[i]))
	}
	writeJSON(w, 200, out)
}
