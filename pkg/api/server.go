// Package api serves the read-only dashboard. It opens the store in read-only
// mode and never blocks the orchestrator's writer connection.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prodpilot/prodpilot/pkg/backup"
	"github.com/prodpilot/prodpilot/pkg/pipeline"
	"github.com/prodpilot/prodpilot/pkg/store"
)

const (
	defaultActivityLimit = 20
	maxActivityLimit     = 100
	statsWindow          = 24 * time.Hour
)

//go:embed dashboard.html
var dashboardHTML []byte

// Server is the dashboard HTTP server.
type Server struct {
	store         *store.Store
	backups       *backup.Manager
	lifetimeLimit float64
	lockPath      string
	activityLimit int
	logger        *slog.Logger
	now           func() time.Time
}

// NewServer creates a dashboard server over a read-only store. lockPath is
// the orchestrator's PID lockfile, used to detect a run in progress.
func NewServer(st *store.Store, backups *backup.Manager, lifetimeLimit float64, lockPath string, logger *slog.Logger) *Server {
	return &Server{
		store:         st,
		backups:       backups,
		lifetimeLimit: lifetimeLimit,
		lockPath:      lockPath,
		activityLimit: defaultActivityLimit,
		logger:        logger,
		now:           time.Now,
	}
}

// SetActivityLimit overrides the default /api/activity page size.
func (s *Server) SetActivityLimit(n int) {
	if n > 0 {
		s.activityLimit = min(n, maxActivityLimit)
	}
}

// Router builds the gin engine with all dashboard routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.Index)
	r.GET("/api/stats", s.Stats)
	r.GET("/api/activity", s.Activity)
	r.GET("/api/posts", s.Posts)
	r.GET("/api/backups", s.Backups)
	return r
}

// Index serves the self-contained dashboard page.
func (s *Server) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", dashboardHTML)
}

// Stats handles GET /api/stats: lifetime and 24-hour spend, terminal status
// counts, and the current run projection when an orchestrator is live.
func (s *Server) Stats(c *gin.Context) {
	stats, err := s.store.StatsSince(c.Request.Context(), s.now().Add(-statsWindow), s.lifetimeLimit)
	if err != nil {
		s.fail(c, err)
		return
	}

	if s.runInProgress() {
		proj, err := s.store.LatestRunProjection(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		stats.CurrentRun = proj
	}
	s.ok(c, stats)
}

// activityEntry is an audit event with a wire-format timestamp.
type activityEntry struct {
	Timestamp         string  `json:"timestamp"`
	Action            string  `json:"action"`
	PostID            *string `json:"post_id,omitempty"`
	RunID             *string `json:"run_id,omitempty"`
	Details           string  `json:"details"`
	ErrorFlag         bool    `json:"error_flag"`
	CostExhaustedFlag bool    `json:"cost_exhausted_flag"`
}

// Activity handles GET /api/activity: the most recent audit events, newest
// first. ?limit= caps the page, default 20.
func (s *Server) Activity(c *gin.Context) {
	limit := s.activityLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxActivityLimit)
	}

	events, err := s.store.RecentActivity(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}

	entries := make([]activityEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, activityEntry{
			Timestamp:         e.Time().Format(time.RFC3339),
			Action:            string(e.Action),
			PostID:            e.PostID,
			RunID:             e.RunID,
			Details:           e.Details,
			ErrorFlag:         e.ErrorFlag,
			CostExhaustedFlag: e.CostExhaustedFlag,
		})
	}
	s.ok(c, entries)
}

// activePost is an in-flight post with a wire-format timestamp.
type activePost struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Origin       string `json:"origin"`
	Score        int    `json:"score"`
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	LastActivity string `json:"last_activity"`
}

// Posts handles GET /api/posts: posts currently in flight. Sequential
// processing means at most one during a run, none between runs.
func (s *Server) Posts(c *gin.Context) {
	posts, err := s.store.ActivePosts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]activePost, 0, len(posts))
	for _, p := range posts {
		out = append(out, activePost{
			ID:           p.ID,
			Title:        p.Title,
			Origin:       p.Origin,
			Score:        p.Score,
			Stage:        p.Stage,
			Status:       p.Status,
			LastActivity: time.Unix(p.LastActivity, 0).UTC().Format(time.RFC3339),
		})
	}
	s.ok(c, out)
}

// Backups handles GET /api/backups: snapshot count, total size, and the
// newest snapshot time.
func (s *Server) Backups(c *gin.Context) {
	if s.backups == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "backups not configured"})
		return
	}
	st, err := s.backups.Status()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.ok(c, st)
}

// runInProgress reports whether a live orchestrator holds the PID lock.
func (s *Server) runInProgress() bool {
	if s.lockPath == "" {
		return false
	}
	pid, err := pipeline.ReadLockPID(s.lockPath)
	if err != nil {
		return false
	}
	return pipeline.ProcessAlive(pid)
}

func (s *Server) ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": data})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("dashboard query failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
}
