package api

import (
	"encoding/base64"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/executor"
	"github.com/iondrive-co/chad/internal/streaming"
)

type createSessionRequest struct {
	Name        string `json:"name"`
	ProjectPath string `json:"project_path"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.sessions.Create(req.Name, req.ProjectPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelSession(c *gin.Context) {
	if err := s.sessions.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) startTask(c *gin.Context) {
	var req executor.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	task, err := s.executor.Start(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task.Snapshot())
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.sessions.GetTask(c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	snap := task.Snapshot()
	if snap.SessionID != c.Param("id") {
		respondError(c, errTaskSessionMismatch(c.Param("task_id")))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// stream serves the merged SSE stream: replayed events first, then the live
// tail, with pings through silence.
func (s *Server) stream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(c, err)
		return
	}

	sinceSeq, _ := strconv.ParseInt(c.Query("since_seq"), 10, 64)
	opts := streaming.Options{
		SinceSeq:        sinceSeq,
		IncludeTerminal: c.DefaultQuery("include_terminal", "true") == "true",
		IncludeEvents:   c.DefaultQuery("include_events", "true") == "true",
	}

	frames, err := s.mux.Stream(c.Request.Context(), sessionID, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for frame := range frames {
		c.SSEvent(frame.Kind, frame)
		c.Writer.Flush()
	}
}

type inputRequest struct {
	Data string `json:"data"` // base64
}

func (s *Server) sendInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		badRequest(c, "data must be base64")
		return
	}
	if err := s.executor.SendInput(c.Param("id"), data); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": len(data)})
}

type resizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func (s *Server) resize(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Rows == 0 || req.Cols == 0 {
		badRequest(c, "rows and cols must be positive")
		return
	}
	if err := s.executor.Resize(c.Param("id"), req.Cols, req.Rows); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resized": true})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) enqueueMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		badRequest(c, "message is required")
		return
	}
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	sess.Queue.Enqueue(req.Message)
	sess.Touch()
	c.JSON(http.StatusAccepted, gin.H{"queued": sess.Queue.Len()})
}

// listMilestones polls milestones by their own sequence, independent of the
// event seq.
func (s *Server) listMilestones(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(c, err)
		return
	}
	sinceSeq, _ := strconv.ParseInt(c.Query("since_seq"), 10, 64)

	evs, err := eventlog.ReadEvents(s.logPath(sessionID), 0, []eventlog.EventType{eventlog.TypeMilestone})
	if err != nil {
		respondError(c, err)
		return
	}
	milestones := make([]*eventlog.MilestonePayload, 0)
	for _, ev := range evs {
		if ev.Milestone.MilestoneSeq > sinceSeq {
			milestones = append(milestones, ev.Milestone)
		}
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

func (s *Server) listEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(c, err)
		return
	}
	sinceSeq, _ := strconv.ParseInt(c.Query("since_seq"), 10, 64)

	var types []eventlog.EventType
	if csv := c.Query("event_types"); csv != "" {
		for _, t := range strings.Split(csv, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, eventlog.EventType(t))
			}
		}
	}

	evs, err := eventlog.ReadEvents(s.logPath(sessionID), sinceSeq, types)
	if err != nil {
		respondError(c, err)
		return
	}
	if evs == nil {
		evs = []*eventlog.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) logPath(sessionID string) string {
	return filepath.Join(s.logDir, sessionID+".jsonl")
}
