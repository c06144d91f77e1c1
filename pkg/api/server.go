// Package api exposes the HTTP surface: the discoverable agent card, the
// a2a peer endpoints, the task and run read APIs, interventions, and the
// Prometheus metrics endpoint.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/registry"
	"github.com/swarmassistant/swarmd/pkg/swarm"
)

// AgentCard is the discovery document served at
// /.well-known/agent-card.json.
type AgentCard struct {
	AgentID      string   `json:"agentId"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Protocol     string   `json:"protocol"`
	Capabilities []string `json:"capabilities"`
	Provider     string   `json:"provider,omitempty"`
	SandboxLevel string   `json:"sandboxLevel"`
	EndpointURL  string   `json:"endpointUrl,omitempty"`
}

// Deps carries everything the HTTP layer needs from the runtime.
type Deps struct {
	Card       AgentCard
	Dispatcher *swarm.Dispatcher
	Tasks      *registry.TaskRegistry
	Runs       *registry.RunRegistry
	Repo       events.Repository
	Stream     *events.UiStream
	Supervisor *swarm.Supervisor
	Consensus  *swarm.Consensus
}

// Server is the gin HTTP surface.
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer builds the router. The caller serves s.Handler().
func NewServer(deps Deps) *Server {
	if deps.Card.Protocol == "" {
		deps.Card.Protocol = "a2a"
	}
	s := &Server{deps: deps}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/.well-known/agent-card.json", s.agentCard)
	router.GET("/a2a/health", s.health)
	router.POST("/a2a/tasks", s.submitPeerTask)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/events", s.taskEvents)
		v1.POST("/tasks/:id/interventions", s.intervene)
		v1.POST("/runs", s.registerRun)
		v1.GET("/runs/:id", s.getRun)
		v1.GET("/runs/:id/events", s.runEvents)
		v1.POST("/tasks/:id/consensus", s.requestConsensus)
		v1.POST("/tasks/:id/consensus/votes", s.castVote)
		v1.POST("/tasks/:id/auction", s.runAuction)
		v1.GET("/stream/recent", s.recentEnvelopes)
		v1.GET("/system/supervisor", s.supervisorSnapshot)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = router
	return s
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("Handled request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) agentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Card)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"agentId":      s.deps.Card.AgentID,
		"capabilities": s.deps.Card.Capabilities,
	})
}

// submitTaskRequest is the JSON body for both submission endpoints.
type submitTaskRequest struct {
	TaskID      string `json:"taskId"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	RunID       string `json:"runId"`
}

func (s *Server) submitPeerTask(c *gin.Context) {
	s.acceptTask(c, http.StatusAccepted)
}

func (s *Server) submitTask(c *gin.Context) {
	s.acceptTask(c, http.StatusAccepted)
}

func (s *Server) acceptTask(c *gin.Context, status int) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}

	snapshot, created := s.deps.Dispatcher.Submit(models.CreateTaskRequest{
		TaskID:      req.TaskID,
		Title:       req.Title,
		Description: req.Description,
		RunID:       req.RunID,
	})
	if !created {
		// Idempotent resubmission: report the existing snapshot.
		c.JSON(http.StatusOK, snapshot)
		return
	}
	c.JSON(status, snapshot)
}

func (s *Server) getTask(c *gin.Context) {
	snapshot, ok := s.deps.Tasks.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// eventPage wraps a page of execution events with its continuation cursor.
type eventPage struct {
	Events       []models.TaskExecutionEvent `json:"events"`
	NextAfterSeq int64                       `json:"next_after_sequence"`
}

func (s *Server) taskEvents(c *gin.Context) {
	after, limit := pageParams(c)
	page := s.deps.Repo.ListByTask(c.Request.Context(), c.Param("id"), after, limit)
	c.JSON(http.StatusOK, eventPage{Events: page, NextAfterSeq: nextCursor(page, after, true)})
}

func (s *Server) runEvents(c *gin.Context) {
	after, limit := pageParams(c)
	page := s.deps.Repo.ListByRun(c.Request.Context(), c.Param("id"), after, limit)
	c.JSON(http.StatusOK, eventPage{Events: page, NextAfterSeq: nextCursor(page, after, false)})
}

func pageParams(c *gin.Context) (int64, int) {
	after, _ := strconv.ParseInt(c.Query("after_sequence"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	return after, events.ClampLimit(limit)
}

func nextCursor(page []models.TaskExecutionEvent, after int64, taskScope bool) int64 {
	if len(page) == 0 {
		return after
	}
	last := page[len(page)-1]
	if taskScope {
		return last.TaskSequence
	}
	return last.RunSequence
}

func (s *Server) intervene(c *gin.Context) {
	var cmd models.TaskInterventionCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.TaskID = c.Param("id")

	result := s.deps.Dispatcher.Intervene(cmd)
	switch {
	case result.Accepted:
		c.JSON(http.StatusOK, result)
	case result.ReasonCode == models.ReasonTaskNotFound:
		c.JSON(http.StatusNotFound, result)
	default:
		c.JSON(http.StatusConflict, result)
	}
}

func (s *Server) registerRun(c *gin.Context) {
	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	span, created := s.deps.Dispatcher.RegisterRun(req)
	if !created {
		c.JSON(http.StatusOK, span)
		return
	}
	c.JSON(http.StatusCreated, span)
}

func (s *Server) getRun(c *gin.Context) {
	span, ok := s.deps.Runs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, span)
}

// recentEnvelopes serves the UI stream's catch-up ring. Live consumption
// uses Subscribe in-process; HTTP observers poll with after_seq cursors.
func (s *Server) recentEnvelopes(c *gin.Context) {
	after, _ := strconv.ParseInt(c.Query("after_seq"), 10, 64)
	envelopes := s.deps.Stream.Recent(after)
	next := after
	if len(envelopes) > 0 {
		next = envelopes[len(envelopes)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"envelopes": envelopes, "next_after_seq": next})
}

// consensusRequest opens a ballot over an artifact.
type consensusRequest struct {
	Artifact       string               `json:"artifact"`
	ExpectedVoters int                  `json:"expected_voters" binding:"required"`
	Mode           models.ConsensusMode `json:"mode"`
}

func (s *Server) requestConsensus(c *gin.Context) {
	var req consensusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID := c.Param("id")

	resultCh, err := s.deps.Consensus.Request(taskID, req.Artifact, req.ExpectedVoters, req.Mode)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	// The tally lands in the event log as telemetry.consensus; callers
	// follow the task's event feed for the verdict.
	go func() {
		result, ok := <-resultCh
		if ok {
			slog.Info("Consensus reached",
				"task_id", result.TaskID, "approved", result.Approved, "votes", len(result.Votes))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "expected_voters": req.ExpectedVoters})
}

func (s *Server) castVote(c *gin.Context) {
	var vote models.ConsensusVote
	if err := c.ShouldBindJSON(&vote); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	vote.TaskID = c.Param("id")

	if err := s.deps.Consensus.Vote(vote); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// auctionRequest solicits contract-net bids for one role invocation.
type auctionRequest struct {
	Role        models.SwarmRole `json:"role" binding:"required"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
}

func (s *Server) runAuction(c *gin.Context) {
	var req auctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	award, err := s.deps.Dispatcher.Auction(c.Request.Context(), models.ExecuteRoleTask{
		TaskID:      c.Param("id"),
		Role:        req.Role,
		Title:       req.Title,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, registry.ErrNoCapableAgent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, award)
	}
}

func (s *Server) supervisorSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Supervisor.GetSupervisorSnapshot())
}
