package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codesync/backend/internal/compile"
	"github.com/manpreetbhatti/codesync/backend/internal/db"
	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
	"github.com/manpreetbhatti/codesync/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codesync/backend/internal/session"
	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

// Live view of rooms, answered by the coordinator
type Presence interface {
	ActiveRooms(ctx context.Context) ([]session.RoomSummary, error)
	Members(ctx context.Context, roomID string) ([]protocol.Member, error)
	Stats(ctx context.Context) (session.Stats, error)
}

type ActivityStore interface {
	ListActivity(roomID string, limit, offset int) ([]db.Activity, error)
	ActivityCount(roomID string) (int, error)
	ListCompileRuns(limit int) ([]db.CompileRun, error)
	GetStats() (db.Stats, error)
}

type Compiler interface {
	Compile(ctx context.Context, req compile.Request) (*compile.Result, error)
}

type RunRecorder interface {
	CompileRun(db.CompileRun)
}

type Options struct {
	Hub      *ws.Hub
	Presence Presence
	Store    ActivityStore
	Compiler Compiler
	Runs     RunRecorder

	AllowedOrigins []string
	CompileRate    float64
	CompileBurst   int

	Log *logrus.Entry
}

type API struct {
	hub      *ws.Hub
	presence Presence
	store    ActivityStore
	compiler Compiler
	runs     RunRecorder
	limiters *ratelimit.KeyedLimiters
	origins  []string
	log      *logrus.Entry
}

func New(opts Options) *API {
	if opts.CompileRate <= 0 {
		opts.CompileRate = 2
	}
	if opts.CompileBurst <= 0 {
		opts.CompileBurst = 5
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{
		hub:      opts.Hub,
		presence: opts.Presence,
		store:    opts.Store,
		compiler: opts.Compiler,
		runs:     opts.Runs,
		limiters: ratelimit.NewKeyedLimiters(opts.CompileRate, opts.CompileBurst),
		origins:  opts.AllowedOrigins,
		log:      opts.Log,
	}
}

// Router builds the gin engine serving every HTTP route
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(a.log))
	router.Use(CORSMiddleware(a.origins))

	router.GET("/health", a.HealthHandler)
	router.POST("/compile", RateLimitMiddleware(a.limiters), a.CompileHandler)

	api := router.Group("/api")
	{
		api.GET("/stats", a.StatsHandler)
		api.GET("/rooms", a.ListRoomsHandler)
		api.GET("/rooms/:id/members", a.MembersHandler)
		api.GET("/rooms/:id/activity", a.ActivityHandler)
		api.GET("/compile-runs", a.CompileRunsHandler)
	}

	if a.hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			ws.ServeWs(a.hub, c.Writer, c.Request)
		})
	}
	return router
}

// Close stops the compile rate limiter's sweeper
func (a *API) Close() {
	a.limiters.Stop()
}

func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(c *gin.Context) {
	live, err := a.presence.Stats(c.Request.Context())
	if err != nil {
		a.handleError(c, err)
		return
	}

	stats := gin.H{
		"active_rooms":    live.Rooms,
		"active_clients":  live.Clients,
		"participants":    live.Participants,
		"pending_resyncs": live.PendingResyncs,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		stored, err := a.store.GetStats()
		if err == nil {
			stats["total_activity"] = stored.ActivityCount
			stats["rooms_seen"] = stored.RoomsSeen
			stats["compile_runs"] = stored.CompileRuns
			stats["failed_compile_runs"] = stored.FailedCompileRuns
		} else {
			a.log.WithError(err).Warn("Failed to read stored stats")
		}
	}

	c.JSON(http.StatusOK, stats)
}

func (a *API) ListRoomsHandler(c *gin.Context) {
	rooms, err := a.presence.ActiveRooms(c.Request.Context())
	if err != nil {
		a.handleError(c, err)
		return
	}
	if rooms == nil {
		rooms = []session.RoomSummary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (a *API) MembersHandler(c *gin.Context) {
	roomID := c.Param("id")

	members, err := a.presence.Members(c.Request.Context(), roomID)
	if err != nil {
		a.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"clients": members,
	})
}

func (a *API) ActivityHandler(c *gin.Context) {
	if a.store == nil {
		a.handleError(c, errNoStore)
		return
	}
	roomID := c.Param("id")

	limit := queryLimit(c)
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	activity, err := a.store.ListActivity(roomID, limit, offset)
	if err != nil {
		a.handleError(c, err)
		return
	}
	total, err := a.store.ActivityCount(roomID)
	if err != nil {
		a.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":  roomID,
		"activity": activity,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *API) CompileRunsHandler(c *gin.Context) {
	if a.store == nil {
		a.handleError(c, errNoStore)
		return
	}
	limit := queryLimit(c)

	runs, err := a.store.ListCompileRuns(limit)
	if err != nil {
		a.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
		"limit": limit,
	})
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return limit
}

// Compile

// Fields are passed through unchecked; the upstream judges empty scripts
// and unknown languages.
type compileRequest struct {
	Script       string       `json:"script"`
	Stdin        string       `json:"stdin"`
	Language     string       `json:"language"`
	VersionIndex versionIndex `json:"versionIndex"`
}

// versionIndex accepts "3" or 3
type versionIndex string

func (v *versionIndex) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = versionIndex(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("versionIndex: %w", err)
	}
	*v = versionIndex(n.String())
	return nil
}

func (a *API) CompileHandler(c *gin.Context) {
	var req compileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.handleError(c, fmt.Errorf("%w: %v", errInvalidCompileRequest, err))
		return
	}

	started := time.Now()
	res, err := a.compiler.Compile(c.Request.Context(), compile.Request{
		Script:       req.Script,
		Stdin:        req.Stdin,
		Language:     req.Language,
		VersionIndex: string(req.VersionIndex),
	})

	run := db.CompileRun{
		Language:     req.Language,
		VersionIndex: string(req.VersionIndex),
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if err == nil {
		run.StatusCode = res.StatusCode
		run.Succeeded = true
	}
	if a.runs != nil {
		a.runs.CompileRun(run)
	}

	if err != nil {
		a.handleError(c, fmt.Errorf("%w: %w", errCompileFailed, err))
		return
	}

	a.log.WithFields(logrus.Fields{
		"language":    req.Language,
		"status_code": res.StatusCode,
		"duration_ms": run.DurationMS,
		"memory":      res.Memory,
		"cpu_time":    res.CPUTime,
	}).Debug("Compile relayed")

	c.Data(http.StatusOK, "application/json; charset=utf-8", res.Body)
}
