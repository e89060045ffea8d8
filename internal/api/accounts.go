package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iondrive-co/chad/internal/accounts"
	"github.com/iondrive-co/chad/internal/agentcmd"
	"github.com/iondrive-co/chad/internal/common/config"
)

type accountRequest struct {
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Reasoning string `json:"reasoning"`
	Role      string `json:"role"`
}

func (s *Server) listAccounts(c *gin.Context) {
	list, err := s.accounts.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": list})
}

func (s *Server) createAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	created, err := s.accounts.Create(c.Request.Context(), req.toAccount())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updateAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	req.Name = c.Param("name")
	updated, err := s.accounts.Update(c.Request.Context(), req.toAccount())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteAccount(c *gin.Context) {
	if err := s.accounts.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": accounts.ProviderCatalog()})
}

func (r *accountRequest) toAccount() *accounts.Account {
	return &accounts.Account{
		Name:      r.Name,
		Provider:  agentcmd.Provider(r.Provider),
		Model:     r.Model,
		Reasoning: r.Reasoning,
		Role:      accounts.Role(r.Role),
	}
}

func (s *Server) getExecutionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.executor.ExecutionConfig())
}

// putExecutionConfig swaps the execution knobs for subsequently started
// tasks; running loops keep the config they started with.
func (s *Server) putExecutionConfig(c *gin.Context) {
	var cfg config.ExecutionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	s.executor.SetExecutionConfig(cfg)
	c.JSON(http.StatusOK, cfg)
}
