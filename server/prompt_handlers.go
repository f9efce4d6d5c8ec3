package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Server holds the renderer and serializes modal prompts. Only one dialog
// is ever on screen; a second prompt arriving while one is up is refused
// rather than queued, since the agent would have given up by the time it
// reached the front.
type Server struct {
	renderer Renderer
	promptMu sync.Mutex
	active   bool
}

func (s *Server) handlePrompt(c *gin.Context) {
	var req struct {
		Title        string `json:"title"`
		Body         string `json:"body"`
		InstallLabel string `json:"install_label"`
		DeferLabel   string `json:"defer_label"`
		LogoPath     string `json:"logo_path"`
		TimeoutS     int    `json:"timeout_s"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid prompt request: "+err.Error(), log.Logger)
		return
	}
	if req.Body == "" || req.InstallLabel == "" {
		respondError(c, http.StatusBadRequest, "prompt requires body and install_label", log.Logger)
		return
	}
	if req.TimeoutS <= 0 {
		req.TimeoutS = 3600
	}

	s.promptMu.Lock()
	if s.active {
		s.promptMu.Unlock()
		respondError(c, http.StatusConflict, "a prompt is already on screen", log.Logger)
		return
	}
	s.active = true
	s.promptMu.Unlock()
	defer func() {
		s.promptMu.Lock()
		s.active = false
		s.promptMu.Unlock()
	}()

	logger := requestLogger(c, log.Logger)
	logger.Info().Int("timeout_s", req.TimeoutS).Msg("Rendering prompt")

	outcome, elapsed, err := s.renderer.Prompt(c.Request.Context(), promptSpec{
		Title:        req.Title,
		Body:         req.Body,
		InstallLabel: req.InstallLabel,
		DeferLabel:   req.DeferLabel,
		LogoPath:     req.LogoPath,
		Timeout:      time.Duration(req.TimeoutS) * time.Second,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "renderer failed: "+err.Error(), log.Logger)
		return
	}

	logger.Info().Str("outcome", outcome).Dur("elapsed", elapsed).Msg("Prompt answered")
	c.JSON(http.StatusOK, gin.H{
		"outcome":    outcome,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

func (s *Server) handleShowIndicator(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid indicator request: "+err.Error(), log.Logger)
		return
	}
	if req.Text == "" {
		respondError(c, http.StatusBadRequest, "indicator requires text", log.Logger)
		return
	}
	if err := s.renderer.ShowIndicator(req.Text); err != nil {
		respondError(c, http.StatusInternalServerError, "indicator failed: "+err.Error(), log.Logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shown"})
}

func (s *Server) handleClearIndicator(c *gin.Context) {
	if err := s.renderer.ClearIndicator(); err != nil {
		respondError(c, http.StatusInternalServerError, "indicator clear failed: "+err.Error(), log.Logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleNotify(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid notify request: "+err.Error(), log.Logger)
		return
	}
	if err := s.renderer.Notify(req.Text); err != nil {
		respondError(c, http.StatusInternalServerError, "notify failed: "+err.Error(), log.Logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
