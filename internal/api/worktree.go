package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/worktree"
)

// worktreeManager resolves the session and its project's worktree manager.
func (s *Server) worktreeManager(c *gin.Context) (*session.Session, *worktree.Manager, bool) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, nil, false
	}
	if sess.ProjectPath == "" {
		badRequest(c, "session has no project path")
		return nil, nil, false
	}
	if s.worktrees == nil {
		badRequest(c, "worktree support is disabled")
		return nil, nil, false
	}
	wm, err := s.worktrees(sess.ProjectPath)
	if err != nil {
		respondError(c, err)
		return nil, nil, false
	}
	return sess, wm, true
}

func (s *Server) createWorktree(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	wt, err := wm.CreateWorktree(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	sess.SetWorktree(wt)
	c.JSON(http.StatusCreated, wt)
}

func (s *Server) worktreeStatus(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	wt := sess.GetWorktree()
	if wt == nil {
		respondError(c, worktree.ErrWorktreeNotFound)
		return
	}
	hasChanges, err := wm.HasChanges(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"worktree": wt, "has_changes": hasChanges})
}

func (s *Server) deleteWorktree(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	if err := wm.DeleteWorktree(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	sess.SetWorktree(nil)
	c.Status(http.StatusNoContent)
}

// worktreeDiff returns the numstat summary, or the full parsed diff with
// ?full=true.
func (s *Server) worktreeDiff(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	if c.Query("full") == "true" {
		diff, err := wm.Diff(c.Request.Context(), sess.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"files": diff})
		return
	}
	summary, err := wm.DiffSummary(c.Request.Context(), sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type mergeRequest struct {
	CommitMessage string `json:"commit_message"`
	TargetBranch  string `json:"target_branch"` // defaults to the main branch
}

func (s *Server) mergeWorktree(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	var req mergeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	result, err := wm.MergeToMain(c.Request.Context(), sess.ID, req.CommitMessage, req.TargetBranch)
	if err != nil {
		respondError(c, err)
		return
	}
	// Conflicts are a result, not an error.
	c.JSON(http.StatusOK, result)
}

type resolveRequest struct {
	FilePath    string `json:"file_path"`
	HunkIndex   int    `json:"hunk_index"`
	UseIncoming bool   `json:"use_incoming"`
	All         bool   `json:"all"` // resolve every conflicted file one way
}

func (s *Server) resolveConflict(c *gin.Context) {
	_, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	var err error
	if req.All {
		err = wm.ResolveAllConflicts(c.Request.Context(), req.UseIncoming)
	} else {
		if req.FilePath == "" {
			badRequest(c, "file_path is required")
			return
		}
		err = wm.ResolveConflict(c.Request.Context(), req.FilePath, req.HunkIndex, req.UseIncoming)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (s *Server) completeMerge(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	var req mergeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	if err := wm.CompleteMerge(c.Request.Context(), sess.ID, req.CommitMessage); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": true})
}

func (s *Server) abortMerge(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	if err := wm.AbortMerge(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

func (s *Server) resetWorktree(c *gin.Context) {
	sess, wm, ok := s.worktreeManager(c)
	if !ok {
		return
	}
	if err := wm.ResetWorktree(c.Request.Context(), sess.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
