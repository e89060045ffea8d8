package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iondrive-co/chad/internal/accounts"
	"github.com/iondrive-co/chad/internal/executor"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/worktree"
)

// respondError maps domain errors onto HTTP status codes. Unrecognized
// errors are internal; their message is surfaced as the diagnostic.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrTaskNotFound),
		errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, worktree.ErrWorktreeNotFound):
		status = http.StatusNotFound

	case errors.Is(err, session.ErrSessionBusy),
		errors.Is(err, session.ErrProjectPathInvalid),
		errors.Is(err, worktree.ErrNoChanges),
		errors.Is(err, worktree.ErrNotGitRepo),
		errors.Is(err, executor.ErrNoActivePTY),
		errors.Is(err, accounts.ErrUnknownProvider),
		errors.Is(err, accounts.ErrInvalidRole):
		status = http.StatusBadRequest

	case errors.Is(err, accounts.ErrAccountExists):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// errTaskSessionMismatch hides tasks that belong to a different session.
func errTaskSessionMismatch(taskID string) error {
	return fmt.Errorf("%w: %s", session.ErrTaskNotFound, taskID)
}
