package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/squadron-dev/squadron/pkg/services"
)

// catchUpLimit bounds how many historical activity events one SSE client may
// replay with ?since=.
const catchUpLimit = 500

func (s *Server) handleListAgents(c *gin.Context) {
	if s.opts.Dashboard == nil {
		dashboardUnavailable(c)
		return
	}
	recs, err := s.opts.Dashboard.ListAgents(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": recs})
}

func (s *Server) handleListPipelines(c *gin.Context) {
	if s.opts.Dashboard == nil {
		dashboardUnavailable(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": s.opts.Dashboard.ListPipelines(c.Request.Context())})
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.opts.Dashboard == nil {
		dashboardUnavailable(c)
		return
	}
	q := services.RunsQuery{
		Status:   c.Query("status"),
		Pipeline: c.Query("pipeline"),
	}
	var err error
	if q.PRNumber, err = optionalInt(c, "pr_number"); err != nil {
		writeError(c, err)
		return
	}
	if q.IssueNumber, err = optionalInt(c, "issue_number"); err != nil {
		writeError(c, err)
		return
	}
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		writeError(c, err)
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		writeError(c, err)
		return
	}

	page, err := s.opts.Dashboard.ListRuns(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.opts.Dashboard == nil {
		dashboardUnavailable(c)
		return
	}
	detail, err := s.opts.Dashboard.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if s.opts.Dashboard == nil {
		dashboardUnavailable(c)
		return
	}
	runID := c.Param("id")
	if err := s.opts.Dashboard.CancelRun(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "run_id": runID})
}

// handleStream is the SSE activity feed. ?since=<id> replays history first;
// live events follow until the client disconnects.
func (s *Server) handleStream(c *gin.Context) {
	if s.opts.Activity == nil {
		dashboardUnavailable(c)
		return
	}

	var sinceID int64
	replay := false
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(c, services.NewValidationError("since", "must be a non-negative integer"))
			return
		}
		sinceID = n
		replay = true
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Subscribe before catch-up so no event falls between the two.
	live, unsubscribe := s.opts.Activity.Subscribe()
	defer unsubscribe()

	lastSent := int64(0)
	if replay {
		history, err := s.opts.Activity.CatchUp(c.Request.Context(), sinceID, catchUpLimit)
		if err != nil {
			s.logger.Warn("SSE catch-up failed", "since", sinceID, "error", err)
		}
		for _, ev := range history {
			writeSSE(c.Writer, ev.ID, ev)
			lastSent = ev.ID
		}
		c.Writer.Flush()
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			writeSSE(c.Writer, ev.ID, ev)
			c.Writer.Flush()
		}
	}
}

func writeSSE(w io.Writer, id int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, data)
}

func dashboardUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dashboard not configured"})
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case services.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func optionalInt(c *gin.Context, name string) (*int, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, services.NewValidationError(name, "must be an integer")
	}
	return &n, nil
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, services.NewValidationError(name, "must be an integer")
	}
	return n, nil
}
