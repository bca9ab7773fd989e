package livehttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ambush/internal/controller"
	"ambush/internal/logger"
	"ambush/internal/profile"
	"ambush/internal/store/gormstore"

	"github.com/gin-gonic/gin"
)

const storeCallTimeout = 2 * time.Second

// LiveController is the slice of the controller the HTTP layer drives.
// Credential material never crosses this boundary: Operations is already
// stripped on the controller side.
type LiveController interface {
	Status() controller.Status
	Operations() []profile.Operation
	TriggerNow(ctx context.Context) error
}

// ProfileLister serves cached profile summaries, normally the fsnotify
// watcher's view of the profile directory.
type ProfileLister interface {
	Summaries() []profile.Summary
}

// Router exposes the armed session queries and the manual trigger.
type Router struct {
	Ctl      LiveController
	History  *gormstore.Store
	Profiles ProfileLister
}

func NewRouter(ctl LiveController, history *gormstore.Store, profiles ProfileLister) *Router {
	return &Router{Ctl: ctl, History: history, Profiles: profiles}
}

// Register mounts the /api/live routes onto the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/operations", r.handleOperations)
	group.GET("/profiles", r.handleProfiles)
	group.GET("/outcomes", r.handleOutcomes)
	group.GET("/transitions", r.handleTransitions)
	group.GET("/events", r.handleEvents)
	group.POST("/trigger", r.handleTrigger)
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.Ctl.Status())
}

func (r *Router) handleOperations(c *gin.Context) {
	ops := r.Ctl.Operations()
	if ops == nil {
		ops = []profile.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (r *Router) handleProfiles(c *gin.Context) {
	if r.Profiles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "profile watcher not enabled"})
		return
	}
	sums := r.Profiles.Summaries()
	if sums == nil {
		sums = []profile.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"profiles": sums, "count": len(sums)})
}

func (r *Router) handleTrigger(c *gin.Context) {
	err := r.Ctl.TriggerNow(c.Request.Context())
	switch {
	case err == nil:
		logger.Infof("[api] manual trigger accepted ip=%s", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"status": "triggered"})
	case errors.Is(err, controller.ErrNotArmed), errors.Is(err, controller.ErrRunInFlight):
		logger.Warnf("[api] manual trigger rejected ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Errorf("[api] manual trigger failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) handleOutcomes(c *gin.Context) {
	if r.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not enabled"})
		return
	}
	limit := parseLimit(c, 100, 500)
	prof := strings.TrimSpace(c.Query("profile"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeCallTimeout)
	recs, err := r.History.ListOutcomes(ctx, prof, limit)
	cancel()
	if err != nil {
		logger.Errorf("[api] outcomes list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": recs, "count": len(recs)})
}

func (r *Router) handleTransitions(c *gin.Context) {
	if r.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not enabled"})
		return
	}
	limit := parseLimit(c, 100, 500)
	network := strings.TrimSpace(c.Query("network"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeCallTimeout)
	recs, err := r.History.ListTransitions(ctx, network, limit)
	cancel()
	if err != nil {
		logger.Errorf("[api] transitions list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": recs, "count": len(recs)})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not enabled"})
		return
	}
	limit := parseLimit(c, 200, 1000)
	var since time.Time
	if raw := strings.TrimSpace(c.Query("since_ms")); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since_ms must be a millisecond timestamp"})
			return
		}
		since = time.UnixMilli(ms)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeCallTimeout)
	recs, err := r.History.ListEvents(ctx, since, limit)
	cancel()
	if err != nil {
		logger.Errorf("[api] events list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs, "count": len(recs)})
}

func parseLimit(c *gin.Context, def, max int) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
