package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dumcel/deployer/api/internal/service/logs"
	"github.com/dumcel/deployer/api/internal/ws"
)

// handleLogs serves the polling endpoint and its SSE variant:
//
//	GET /logs/{deploymentId}?lastTimestamp=&limit=
//	GET /logs/{deploymentId}/stream
//	GET /api/project/logs/{deploymentId}
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	path := req.URL.Path
	if strings.HasPrefix(path, "/api/project/logs/") {
		path = strings.TrimPrefix(path, "/api/project/logs/")
	} else {
		path = strings.TrimPrefix(path, "/logs/")
	}
	deploymentID, sub, _ := strings.Cut(strings.Trim(path, "/"), "/")
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	if _, ok := r.ownedDeployment(w, req, deploymentID); !ok {
		return
	}
	switch sub {
	case "":
		r.pollLogs(w, req, deploymentID)
	case "stream":
		r.streamLogs(w, req, deploymentID)
	default:
		r.notFound(w)
	}
}

func (r *Router) pollLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	query := req.URL.Query()
	after, err := logs.ParseCursor(query.Get("lastTimestamp"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	events, err := r.logs.Query(req.Context(), deploymentID, after, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": logsPage{Logs: logs.Payloads(events)},
	})
}

// streamLogs replays events after lastTimestamp then follows live appends.
// Replay and live delivery may overlap; consumers dedupe on event_id.
func (r *Router) streamLogs(w http.ResponseWriter, req *http.Request, deploymentID string) {
	after, err := logs.ParseCursor(req.URL.Query().Get("lastTimestamp"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	client, err := ws.OpenEventStream(w, "log", r.heartbeat, r.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	hub.Register(deploymentID, client)
	defer hub.Unregister(deploymentID, client)

	for {
		page, err := r.logs.Query(req.Context(), deploymentID, after, 0)
		if err != nil {
			r.logger.Warn("log replay failed", "deployment_id", deploymentID, "error", err)
			return
		}
		for _, event := range page {
			data, err := logs.MarshalEvent(event)
			if err != nil {
				continue
			}
			if err := client.Send(data); err != nil {
				return
			}
			after = event.Timestamp
		}
		if len(page) < r.logs.Limit(0) {
			break
		}
	}

	ticker := time.NewTicker(r.heartbeat)
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

// handleLogsWS upgrades GET /ws/logs?deployment_id= to a websocket feed.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id required")
		return
	}
	if _, ok := r.ownedDeployment(w, req, deploymentID); !ok {
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "deployment_id", deploymentID, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(deploymentID, client)
	go func() {
		client.ReadUntilClosed()
		hub.Unregister(deploymentID, client)
	}()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-client.Done():
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					client.Close()
					return
				}
			}
		}
	}()
}
