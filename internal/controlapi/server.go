// Package controlapi 运维控制接口：查看状态、解除暂停、人工强平。
package controlapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hedgebot/internal/app"
	"github.com/betbot/hedgebot/internal/domain"
	"github.com/betbot/hedgebot/internal/journal"
	"github.com/betbot/hedgebot/internal/metrics"
)

var log = logrus.WithField("component", "control_api")

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// Backend 由 app.Runtime 实现
type Backend interface {
	Status() app.Status
	Positions(ctx context.Context) (map[string]domain.PositionSnapshot, error)
	ClearPause(by string) bool
	Flatten(ctx context.Context, reason string) error
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

type Server struct {
	backend Backend
	// FlattenTimeout 人工强平的最长执行时间
	FlattenTimeout time.Duration
}

func New(b Backend) *Server {
	return &Server{backend: b, FlattenTimeout: 2 * time.Minute}
}

type clearRequest struct {
	By string `json:"by"`
}

type flattenRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.POST("/pause/clear", s.handleClearPause)
	api.POST("/flatten", s.handleFlatten)
	api.GET("/journal", s.handleJournal)

	debug := metrics.Handler()
	r.GET("/debug/*path", gin.WrapH(debug))
	r.POST("/debug/*path", gin.WrapH(debug))
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	snaps, err := s.backend.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": snaps})
}

func (s *Server) handleClearPause(c *gin.Context) {
	var req clearRequest
	// 允许空 body
	_ = c.ShouldBindJSON(&req)
	if req.By == "" {
		req.By = c.ClientIP()
	}
	cleared := s.backend.ClearPause(req.By)
	if cleared {
		log.Warnf("▶️ [控制] 暂停已被人工解除: by=%s", req.By)
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "pause": s.backend.Status().Pause})
}

func (s *Server) handleFlatten(c *gin.Context) {
	var req flattenRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	log.Warnf("🚨 [控制] 收到人工强平请求: reason=%s from=%s", req.Reason, c.ClientIP())

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.FlattenTimeout)
	defer cancel()
	if err := s.backend.Flatten(ctx, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleJournal(c *gin.Context) {
	limit := journalLimit(c.Query("limit"))
	entries, err := s.backend.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// journalLimit 解析 limit 参数：非法或缺省取默认值，越界截断到 [1, maxJournalLimit]
func journalLimit(raw string) int {
	if raw == "" {
		return defaultJournalLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultJournalLimit
	}
	if n < 1 {
		return 1
	}
	if n > maxJournalLimit {
		return maxJournalLimit
	}
	return n
}
