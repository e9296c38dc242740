package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mike15254/md0-sub000/internal/domain"
	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/repository"
	"github.com/Mike15254/md0-sub000/internal/service/ingress"
	"github.com/Mike15254/md0-sub000/internal/service/logs"
	"github.com/Mike15254/md0-sub000/internal/service/pipeline"
	"github.com/Mike15254/md0-sub000/internal/service/project"
	"github.com/Mike15254/md0-sub000/internal/service/webhook"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebhook   = 120
	rateLimitRealtime  = 30
	healthCheckTimeout = 2 * time.Second
	maxWebhookBody     = 1 << 20
	sseHeartbeat       = 30 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	projects       project.Service
	pipeline       *pipeline.Service
	logs           logs.Service
	webhooks       webhook.Service
	ingress        *ingress.Service
	hub            *events.Hub
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	dbHealth       func(context.Context) error
	recentProjects int
	recentLogs     int
}

// NewRouter assembles routes with dependencies. ingressSvc may be nil when
// proxy management is disabled.
func NewRouter(
	logger *slog.Logger,
	projectSvc project.Service,
	pipelineSvc *pipeline.Service,
	logSvc logs.Service,
	webhookSvc webhook.Service,
	ingressSvc *ingress.Service,
	hub *events.Hub,
	limiter RateLimiter,
	dbHealth func(context.Context) error,
	recentProjects, recentLogs int,
) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		projects: projectSvc,
		pipeline: pipelineSvc,
		logs:     logSvc,
		webhooks: webhookSvc,
		ingress:  ingressSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		dbHealth:       dbHealth,
		recentProjects: recentProjects,
		recentLogs:     recentLogs,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.audit(r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit(r.withRateLimit("/projects/", rateLimitWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments", r.audit(r.withRateLimit("/deployments", rateLimitWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/webhooks/github", r.audit(r.withRateLimit("/webhooks/github", rateLimitWebhook, rateWindowDefault, r.handleGitHubWebhook)))
	r.mux.HandleFunc("/realtime/events", r.audit(r.withRateLimit("/realtime/events", rateLimitRealtime, rateWindowRealtime, r.handleRealtimeSSE)))
	r.mux.HandleFunc("/realtime/ws", r.audit(r.withRateLimit("/realtime/ws", rateLimitRealtime, rateWindowRealtime, r.handleRealtimeWS)))
	r.mux.HandleFunc("/realtime/stats", r.audit(r.withRateLimit("/realtime/stats", rateLimitRead, rateWindowDefault, r.handleRealtimeStats)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var input project.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.projects.Create(req.Context(), input)
		if err != nil {
			switch {
			case errors.Is(err, project.ErrValidation):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, repository.ErrDuplicateName):
				writeError(w, http.StatusConflict, "a project with that name already exists")
			default:
				r.logger.Error("project create failed", "error", err)
				writeError(w, http.StatusInternalServerError, "could not create project")
			}
			return
		}
		writeJSON(w, http.StatusCreated, projectPayload(created))
	case http.MethodGet:
		list, err := r.projects.List(req.Context(), 100)
		if err != nil {
			r.logger.Error("project list failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not list projects")
			return
		}
		payload := make([]map[string]any, 0, len(list))
		for i := range list {
			payload = append(payload, projectPayload(&list[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": payload})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch req.Method {
		case http.MethodGet:
			r.serveProject(w, req, id)
		case http.MethodDelete:
			r.deleteProject(w, req, id)
		default:
			r.methodNotAllowed(w)
		}
	case "start", "stop", "restart":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.lifecycle(w, req, id, action)
	case "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.serveLogs(w, req, id)
	case "webhooks":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.serveWebhookEvents(w, req, id)
	case "dns":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.serveDNSCheck(w, req, id)
	default:
		http.NotFound(w, req)
	}
}

func (r *Router) serveProject(w http.ResponseWriter, req *http.Request, id int64) {
	p, err := r.projects.Get(req.Context(), id)
	if err != nil {
		r.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectPayload(p))
}

func (r *Router) deleteProject(w http.ResponseWriter, req *http.Request, id int64) {
	if err := r.pipeline.Remove(req.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "project not found")
		case errors.Is(err, pipeline.ErrDeployInFlight):
			writeError(w, http.StatusConflict, "a deployment is in progress for this project")
		default:
			r.logger.Error("project delete failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not delete project")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) lifecycle(w http.ResponseWriter, req *http.Request, id int64, action string) {
	var deploymentID string
	var err error
	switch action {
	case "start":
		deploymentID, err = r.pipeline.Start(req.Context(), id)
	case "restart":
		deploymentID, err = r.pipeline.Restart(req.Context(), id)
	case "stop":
		err = r.pipeline.Stop(req.Context(), id)
	}
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "project not found")
		case errors.Is(err, pipeline.ErrDeployInFlight):
			writeError(w, http.StatusConflict, "a deployment is already in progress for this project")
		case errors.Is(err, pipeline.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			r.logger.Error("lifecycle action failed", "action", action, "project_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "could not "+action+" project")
		}
		return
	}
	if action == "stop" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": deploymentID,
		"status":        string(domain.StatusBuilding),
	})
}

func (r *Router) serveLogs(w http.ResponseWriter, req *http.Request, id int64) {
	limit := queryInt(req, "limit", 100)
	offset := queryInt(req, "offset", 0)
	entries, err := r.logs.List(req.Context(), id, limit, offset)
	if err != nil {
		r.logger.Error("log list failed", "project_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list logs")
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, logs.EntryPayload(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": payload})
}

func (r *Router) serveWebhookEvents(w http.ResponseWriter, req *http.Request, id int64) {
	limit := queryInt(req, "limit", 50)
	list, err := r.webhooks.Events(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("webhook event list failed", "project_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list webhook events")
		return
	}
	payload := make([]map[string]any, 0, len(list))
	for _, event := range list {
		payload = append(payload, map[string]any{
			"id":                   event.ID,
			"event_type":           event.EventType,
			"action":               event.Action,
			"branch":               event.Branch,
			"commit_sha":           event.CommitSHA,
			"commit_message":       event.CommitMessage,
			"author":               event.Author,
			"processed":            event.Processed,
			"deployment_triggered": event.DeploymentTriggered,
			"received_at":          event.ReceivedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": payload})
}

func (r *Router) serveDNSCheck(w http.ResponseWriter, req *http.Request, id int64) {
	if r.ingress == nil {
		writeError(w, http.StatusServiceUnavailable, "ingress management is not configured")
		return
	}
	p, err := r.projects.Get(req.Context(), id)
	if err != nil {
		r.projectError(w, err)
		return
	}
	if p.CustomDomain == nil || *p.CustomDomain == "" {
		writeError(w, http.StatusBadRequest, "project has no custom domain")
		return
	}
	configured, resolved, err := r.ingress.VerifyDNS(req.Context(), *p.CustomDomain)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":      *p.CustomDomain,
		"configured":  configured,
		"resolved_ip": resolved,
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID int64 `json:"project_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deploymentID, err := r.pipeline.Deploy(req.Context(), payload.ProjectID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "project not found")
		case errors.Is(err, pipeline.ErrDeployInFlight):
			writeError(w, http.StatusConflict, "a deployment is already in progress for this project")
		default:
			r.logger.Error("deployment trigger failed", "project_id", payload.ProjectID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not trigger deployment")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": deploymentID,
		"status":        string(domain.StatusBuilding),
	})
}

func (r *Router) handleGitHubWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	result, err := r.webhooks.Handle(req.Context(), body,
		req.Header.Get("X-Hub-Signature-256"),
		req.Header.Get("X-GitHub-Event"))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, webhook.ErrSecretUnconfigured):
			writeError(w, http.StatusInternalServerError, "webhook secret not configured")
		default:
			r.logger.Error("webhook handling failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not process webhook")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleRealtimeSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	userID := queryInt64(req, "user_id", 0)
	client := events.NewSSEClient(w, flusher, r.logger)
	clientID := r.hub.Register(userID, client)
	defer r.hub.Unregister(clientID)

	if err := r.sendSnapshot(req.Context(), client, clientID, userID); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleRealtimeWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID := queryInt64(req, "user_id", 0)
	client := events.NewWSClient(conn, r.logger)
	clientID := r.hub.Register(userID, client)
	defer r.hub.Unregister(clientID)

	if err := r.sendSnapshot(req.Context(), client, clientID, userID); err != nil {
		return
	}

	// Reads are discarded; the stream is push-only. The loop exits when the
	// peer closes the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleRealtimeStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats := r.hub.Stats()
	recentCount, err := r.logs.CountSince(req.Context(), time.Now().Add(-time.Hour))
	if err != nil {
		r.logger.Warn("recent log count failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected_clients":  stats.Clients,
		"connected_users":    stats.Users,
		"active_deployments": r.pipeline.ActiveDeployments(),
		"recent_logs_count":  recentCount,
	})
}

// sendSnapshot pushes the connected acknowledgement plus current projects and
// recent logs to a newly registered client.
func (r *Router) sendSnapshot(ctx context.Context, client events.Subscriber, clientID string, userID int64) error {
	if err := r.sendFrame(client, events.Frame{Type: events.TypeConnected, Data: map[string]string{"client_id": clientID}}); err != nil {
		return err
	}

	list, err := r.projects.List(ctx, r.recentProjects)
	if err != nil {
		r.logger.Warn("snapshot project list failed", "error", err)
		list = nil
	}
	projects := make([]map[string]any, 0, len(list))
	for i := range list {
		if userID != 0 && list[i].UserID != 0 && list[i].UserID != userID {
			continue
		}
		projects = append(projects, projectPayload(&list[i]))
	}
	if err := r.sendFrame(client, events.Frame{Type: events.TypeInitialProjects, Data: projects}); err != nil {
		return err
	}

	var entries []domain.DeploymentLog
	if userID != 0 {
		entries, err = r.logs.RecentForUser(ctx, userID, r.recentLogs)
	} else {
		entries, err = r.logs.Recent(ctx, r.recentLogs)
	}
	if err != nil {
		r.logger.Warn("snapshot log list failed", "error", err)
		entries = nil
	}
	logPayload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		logPayload = append(logPayload, logs.EntryPayload(entry))
	}
	return r.sendFrame(client, events.Frame{Type: events.TypeInitialLogs, Data: logPayload})
}

func (r *Router) sendFrame(client events.Subscriber, frame events.Frame) error {
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	return client.Send(payload)
}

func (r *Router) projectError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	r.logger.Error("project lookup failed", "error", err)
	writeError(w, http.StatusInternalServerError, "could not load project")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func projectPayload(p *domain.Project) map[string]any {
	payload := map[string]any{
		"id":            p.ID,
		"user_id":       p.UserID,
		"name":          p.Name,
		"repo_url":      p.RepoURL,
		"branch":        p.Branch,
		"build_command": p.BuildCommand,
		"start_command": p.StartCommand,
		"port":          p.Port,
		"runtime":       p.Runtime,
		"env_keys":      envKeys(p.EnvVars),
		"auto_deploy":   p.AutoDeploy,
		"tls_enabled":   p.TLSEnabled,
		"status":        p.Status,
		"created_at":    p.CreatedAt.Format(time.RFC3339),
		"updated_at":    p.UpdatedAt.Format(time.RFC3339),
	}
	if p.ContainerID != nil {
		payload["container_id"] = *p.ContainerID
	}
	if p.CustomDomain != nil {
		payload["custom_domain"] = *p.CustomDomain
	}
	if p.LastDeployedAt != nil {
		payload["last_deployed_at"] = p.LastDeployedAt.Format(time.RFC3339)
	}
	return payload
}

// envKeys exposes which variables are set without leaking their values.
func envKeys(envVars map[string]string) []string {
	keys := make([]string, 0, len(envVars))
	for key := range envVars {
		keys = append(keys, key)
	}
	return keys
}

func queryInt(req *http.Request, name string, fallback int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func queryInt64(req *http.Request, name string, fallback int64) int64 {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses ids so metrics stay low-cardinality.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/projects/") {
		rest := strings.Trim(strings.TrimPrefix(path, "/projects/"), "/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 {
			return "/projects/{id}/" + parts[1]
		}
		return "/projects/{id}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
