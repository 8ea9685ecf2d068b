package server

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/events"
	"github.com/specforge/specforge/internal/orchestrator"
	"github.com/specforge/specforge/internal/specsync"
)

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	Agents     []string `json:"agents"`
	Spec       string   `json:"spec,omitempty"`
	SpecPath   string   `json:"spec_path"`
	ProjectDir string   `json:"project_dir"`
	Mode       string   `json:"mode"`
	SessionID  string   `json:"session_id"`
}

// AbortResponse is the response body for POST /api/v1/runs/:id/abort.
type AbortResponse struct {
	Aborted bool                  `json:"aborted"`
	Run     orchestrator.Snapshot `json:"run"`
}

// TasksResponse is the response body for GET /api/v1/spec/tasks.
type TasksResponse struct {
	Path    string          `json:"path"`
	Total   int             `json:"total"`
	Checked int             `json:"checked"`
	Percent int             `json:"percent"`
	Items   []specsync.Item `json:"items"`
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Agents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "agents field is required")
	}
	if strings.TrimSpace(req.Spec) == "" && strings.TrimSpace(req.SpecPath) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "spec or spec_path field is required")
	}
	if s.invokers == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no agent transport configured")
	}

	invoker, err := s.invokers(strings.TrimSpace(req.Mode), strings.TrimSpace(req.SessionID))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	run, err := s.orch.Start(c.Request().Context(), orchestrator.StartRequest{
		Agents:     req.Agents,
		Spec:       req.Spec,
		SpecPath:   req.SpecPath,
		ProjectDir: req.ProjectDir,
		Invoker:    invoker,
	})
	if err != nil {
		s.logger.Warn("start run rejected", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, run.Snapshot())
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Store().List())
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, ok := s.orch.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run.Snapshot())
}

func (s *Server) handleAbortRun(c echo.Context) error {
	run, ok := s.orch.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	aborted := run.Abort()
	if aborted {
		s.logger.Info("run aborted", "run_id", run.ID())
	}
	return c.JSON(http.StatusOK, AbortResponse{Aborted: aborted, Run: run.Snapshot()})
}

// handleRunEvents sends the current snapshot, then phase and run updates until
// the run reaches a terminal status.
func (s *Server) handleRunEvents(c echo.Context) error {
	run, ok := s.orch.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	stream := make(chan events.Event, streamBuffer)
	done := make(chan struct{})
	defer close(done)
	cancel := s.orch.Bus().Subscribe(events.RunTopic(run.ID()), forwardTo(stream, done))
	defer cancel()

	startStream(c)
	snap := run.Snapshot()
	if err := writeEvent(c, "run", snap); err != nil || snap.Done() {
		return nil
	}

	end := streamEnd{
		done:  run.Done(),
		final: func() (string, any) { return "run", run.Snapshot() },
	}
	return s.pump(c, stream, end, func(event events.Event) (string, any, bool) {
		switch payload := event.Payload.(type) {
		case orchestrator.PhaseUpdate:
			return "phase", payload, false
		case orchestrator.Snapshot:
			return "run", payload, payload.Done()
		default:
			return "", nil, false
		}
	})
}

func (s *Server) handleListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, agents.All())
}

func (s *Server) handleSpecTasks(c echo.Context) error {
	path := strings.TrimSpace(c.QueryParam("path"))
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path query parameter is required")
	}
	progress, err := specsync.ReadProgress(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "spec document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, TasksResponse{
		Path:    path,
		Total:   progress.Total,
		Checked: progress.Checked,
		Percent: progress.Percent(),
		Items:   progress.Items,
	})
}
