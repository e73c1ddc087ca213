// Package httpapi serves the admin HTTP API: job status, submission,
// cancellation, event injection, group membership, engine stats and /metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/events"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Engine is what the API needs from the engine.
type Engine interface {
	SubmitProcedure(ctx context.Context, name string, args map[string]string) (types.JobID, error)
	WaitForJob(ctx context.Context, id types.JobID, timeout time.Duration) (*types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID) error
	Parked() []*types.Job
	Procedures() []procedure.Procedure
	Stats() engine.Stats
	Bus() *events.Bus
	LookupServers(ctx context.Context, group, status string) (*engine.GroupView, error)
}

type submitRequest struct {
	Args map[string]string `json:"args"`
}

type eventRequest struct {
	Payload map[string]string `json:"payload" binding:"required"`
}

// jobResponse is a job with its actions inlined.
type jobResponse struct {
	*types.Job
	Actions []*types.Action `json:"actions"`
}

type procedureResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
	Exclusive   bool     `json:"exclusive"`
}

// NewRouter builds the gin engine. metrics may be nil.
func NewRouter(e Engine, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/jobs/:id", getJob(e))
		v1.POST("/jobs/:id/cancel", cancelJob(e))
		v1.GET("/parked", listParked(e))
		v1.GET("/procedures", listProcedures(e))
		v1.POST("/procedures/:name", submitProcedure(e))
		v1.POST("/events/:name", publishEvent(e))
		v1.GET("/groups/:id/servers", lookupServers(e))
		v1.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, e.Stats())
		})
	}
	return router
}

func getJob(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		job, err := e.GetJob(c.Request.Context(), id)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, jobResponse{Job: job, Actions: job.Actions})
	}
}

func cancelJob(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			return
		}
		if err := e.Cancel(c.Request.Context(), id); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": id, "cancel_requested": true})
	}
}

// submitProcedure accepts ?wait=<duration> to block until the job finishes.
func submitProcedure(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		id, err := e.SubmitProcedure(c.Request.Context(), c.Param("name"), req.Args)
		if err != nil {
			abort(c, err)
			return
		}

		wait := c.Query("wait")
		if wait == "" {
			c.JSON(http.StatusAccepted, gin.H{"job_id": id})
			return
		}
		timeout, err := time.ParseDuration(wait)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad wait duration", "job_id": id})
			return
		}
		job, err := e.WaitForJob(c.Request.Context(), id, timeout)
		switch {
		case errors.Is(err, engine.ErrWaitTimeout):
			c.JSON(http.StatusAccepted, jobResponse{Job: job, Actions: job.Actions})
		case err != nil:
			abort(c, err)
		default:
			c.JSON(http.StatusOK, jobResponse{Job: job, Actions: job.Actions})
		}
	}
}

// publishEvent injects a server event; job events are published only by the engine.
func publishEvent(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := types.EventName(strings.ToUpper(c.Param("name")))
		if !types.IsKnownEvent(name) || !strings.HasPrefix(string(name), "SERVER_") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown server event " + string(name)})
			return
		}
		var req eventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ev, err := e.Bus().Publish(name, req.Payload)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, ev)
	}
}

// lookupServers accepts ?status=<status> to filter members.
func lookupServers(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := e.LookupServers(c.Request.Context(), c.Param("id"), c.Query("status"))
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func listParked(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		parked := e.Parked()
		out := make([]jobResponse, 0, len(parked))
		for _, job := range parked {
			out = append(out, jobResponse{Job: job, Actions: job.Actions})
		}
		c.JSON(http.StatusOK, out)
	}
}

func listProcedures(e Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		procs := e.Procedures()
		out := make([]procedureResponse, 0, len(procs))
		for _, p := range procs {
			out = append(out, procedureResponse{Name: p.Name, Description: p.Description, Required: p.Required, Exclusive: p.Exclusive})
		}
		c.JSON(http.StatusOK, out)
	}
}

func parseID(c *gin.Context) (types.JobID, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad job id"})
		return 0, false
	}
	return types.JobID(id), true
}

func abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidProcedure), errors.Is(err, types.ErrUnknownAction), errors.Is(err, farm.ErrBadStatus):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, farm.ErrGroupNotFound):
		code = http.StatusNotFound
	case errors.Is(err, jobmanager.ErrJobFinished):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
