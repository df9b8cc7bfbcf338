package consensushttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arbiter/internal/baseline"
	"arbiter/internal/consensus"
	"arbiter/internal/logger"
	"arbiter/internal/store/auditlog"
	"arbiter/internal/store/gormstore"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// RoundService is implemented by the application core; the router only
// translates HTTP into service calls.
type RoundService interface {
	OpenRound(ctx context.Context, domain string, expected []string, timeout time.Duration) (string, error)
	SubmitVote(ctx context.Context, roundID string, sub consensus.Submission) error
	CloseRound(ctx context.Context, roundID string) (consensus.Result, error)
	CancelRound(ctx context.Context, roundID string) error
	RoundState(roundID string) (string, bool)
	ListAgents() []consensus.AgentState
	RegisterAgent(ctx context.Context, id, family string, trust *int64) error
}

// ErrRoundUnknown is the service's "no such round" answer.
var ErrRoundUnknown = errors.New("unknown round")

// Router exposes the consensus API.
type Router struct {
	service   RoundService
	store     *gormstore.Store
	auditLog  *auditlog.Store
	baselines *baseline.Registry
	validator *requestValidator
}

// NewRouter wires the API router to its collaborators.
func NewRouter(service RoundService, store *gormstore.Store, auditLog *auditlog.Store, baselines *baseline.Registry) (*Router, error) {
	v, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	return &Router{
		service:   service,
		store:     store,
		auditLog:  auditLog,
		baselines: baselines,
		validator: v,
	}, nil
}

// Register mounts the API under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/rounds", r.handleOpenRound)
	group.POST("/rounds/:id/votes", r.handleSubmitVote)
	group.POST("/rounds/:id/close", r.handleCloseRound)
	group.DELETE("/rounds/:id", r.handleCancelRound)
	group.GET("/rounds/:id/outcome", r.handleRoundOutcome)
	group.GET("/rounds", r.handleListRounds)
	group.GET("/agents", r.handleListAgents)
	group.POST("/agents", r.handleRegisterAgent)
	group.GET("/baselines", r.handleListBaselines)
	group.PUT("/baselines/:domain", r.handleSetBaseline)
	group.GET("/audit", r.handleListAudit)
	group.GET("/audit/:round_id", r.handleAuditEntry)
}

func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read request body failed"})
		return nil, false
	}
	return raw, true
}

func (r *Router) handleOpenRound(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}
	body, err := validateBody(r.validator.openRound, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc := gjson.Parse(body)
	domain := strings.TrimSpace(doc.Get("domain").String())
	var expected []string
	doc.Get("expected_agents").ForEach(func(_, v gjson.Result) bool {
		expected = append(expected, strings.TrimSpace(v.String()))
		return true
	})
	timeout := 30 * time.Second
	if t := doc.Get("timeout_ms"); t.Exists() {
		ms, err := parseIntField(t)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be a positive integer"})
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	id, err := r.service.OpenRound(c.Request.Context(), domain, expected, timeout)
	if err != nil {
		logger.Errorf("[api] open round failed ip=%s domain=%s err=%v", c.ClientIP(), domain, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] round opened ip=%s id=%s domain=%s agents=%d", c.ClientIP(), id, domain, len(expected))
	c.JSON(http.StatusCreated, gin.H{"round_id": id, "state": "collecting"})
}

func (r *Router) handleSubmitVote(c *gin.Context) {
	roundID := c.Param("id")
	raw, ok := readBody(c)
	if !ok {
		return
	}
	body, err := validateBody(r.validator.vote, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc := gjson.Parse(body)
	vote, err := parseBoolField(doc.Get("vote"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub := consensus.Submission{
		AgentID:    strings.TrimSpace(doc.Get("agent_id").String()),
		Vote:       vote,
		ReceivedAt: time.Now(),
	}
	if n := doc.Get("numeric"); n.Exists() {
		scaled, err := parseScaledField(n)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sub.Numeric = &scaled
	}
	if err := r.service.SubmitVote(c.Request.Context(), roundID, sub); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, ErrRoundUnknown):
			status = http.StatusNotFound
		case errors.Is(err, consensus.ErrRoundClosed), errors.Is(err, consensus.ErrDuplicateSubmission):
			status = http.StatusConflict
		}
		logger.Warnf("[api] vote rejected ip=%s round=%s agent=%s err=%v", c.ClientIP(), roundID, sub.AgentID, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Debugf("[api] vote accepted round=%s agent=%s vote=%v", roundID, sub.AgentID, vote)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleCloseRound(c *gin.Context) {
	roundID := c.Param("id")
	res, err := r.service.CloseRound(c.Request.Context(), roundID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrRoundUnknown):
			status = http.StatusNotFound
		case errors.Is(err, consensus.ErrRoundClosed):
			status = http.StatusConflict
		}
		logger.Warnf("[api] round close failed ip=%s round=%s err=%v", c.ClientIP(), roundID, err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] round closed ip=%s round=%s outcome=%s", c.ClientIP(), roundID, outcomeName(res.Outcome))
	c.JSON(http.StatusOK, resultView(roundID, res))
}

func (r *Router) handleCancelRound(c *gin.Context) {
	roundID := c.Param("id")
	if err := r.service.CancelRound(c.Request.Context(), roundID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, ErrRoundUnknown) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] round cancelled ip=%s round=%s", c.ClientIP(), roundID)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (r *Router) handleRoundOutcome(c *gin.Context) {
	roundID := c.Param("id")
	rec, err := r.store.GetRound(c.Request.Context(), roundID)
	if err == nil {
		c.JSON(http.StatusOK, recordView(rec))
		return
	}
	if !errors.Is(err, gormstore.ErrRoundNotFound) {
		logger.Errorf("[api] round outcome lookup failed round=%s err=%v", roundID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Not stored yet: the round may still be live.
	if state, ok := r.service.RoundState(roundID); ok {
		c.JSON(http.StatusOK, gin.H{"round_id": roundID, "state": state})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "round not found"})
}

func (r *Router) handleListRounds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	recs, err := r.store.ListRounds(c.Request.Context(), c.Query("domain"), limit)
	if err != nil {
		logger.Errorf("[api] list rounds failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		views = append(views, recordView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"rounds": views})
}

func (r *Router) handleListAgents(c *gin.Context) {
	states := r.service.ListAgents()
	agents := make([]gin.H, 0, len(states))
	for _, st := range states {
		agents = append(agents, gin.H{
			"agent_id":           st.ID,
			"model_family":       st.ModelFamily,
			"trust":              st.Trust,
			"observations":       st.Observations,
			"cumulative_correct": st.CumulativeCorrect,
			"active":             st.Active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (r *Router) handleRegisterAgent(c *gin.Context) {
	raw, ok := readBody(c)
	if !ok {
		return
	}
	body, err := validateBody(r.validator.agent, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc := gjson.Parse(body)
	id := strings.TrimSpace(doc.Get("agent_id").String())
	family := strings.TrimSpace(doc.Get("model_family").String())
	var trust *int64
	if t := doc.Get("trust"); t.Exists() {
		v, err := parseIntField(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		trust = &v
	}
	if err := r.service.RegisterAgent(c.Request.Context(), id, family, trust); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] agent registered ip=%s id=%s family=%s", c.ClientIP(), id, family)
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

func (r *Router) handleListBaselines(c *gin.Context) {
	snap := r.baselines.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"baselines": snap.Baselines,
	})
}

func (r *Router) handleSetBaseline(c *gin.Context) {
	domain := c.Param("domain")
	raw, ok := readBody(c)
	if !ok {
		return
	}
	body, err := validateBody(r.validator.baseline, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	variance, err := parseIntField(gjson.Parse(body).Get("variance"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.baselines.Set(domain, variance); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] baseline set ip=%s domain=%s variance=%d", c.ClientIP(), domain, variance)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleListAudit(c *gin.Context) {
	if r.auditLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not enabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	entries, err := r.auditLog.List(c.Request.Context(), auditlog.Query{
		Domain:  c.Query("domain"),
		Outcome: c.Query("outcome"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		logger.Errorf("[api] audit list failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		views = append(views, gin.H{
			"round_id":   e.RoundID,
			"domain":     e.Domain,
			"outcome":    e.Outcome,
			"checksum":   e.Checksum,
			"created_at": e.CreatedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": views})
}

func (r *Router) handleAuditEntry(c *gin.Context) {
	if r.auditLog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not enabled"})
		return
	}
	roundID := c.Param("round_id")
	entry, err := r.auditLog.Get(c.Request.Context(), roundID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit entry not found"})
		return
	}
	if err := r.auditLog.Verify(c.Request.Context(), roundID); err != nil {
		logger.Errorf("[api] audit verify failed round=%s err=%v", roundID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", entry.Payload)
}

func outcomeName(o consensus.ConsensusOutcome) string {
	if o.Kind == consensus.OutcomeAgreed {
		return "agreed"
	}
	return "halted:" + o.Reason.String()
}

func resultView(roundID string, res consensus.Result) gin.H {
	view := gin.H{
		"round_id":     roundID,
		"participants": res.Tally.Participants,
		"total_weight": res.Tally.TotalWeight,
		"agree_weight": res.Tally.AgreeWeight,
		"variance":     res.Variance.Variance,
	}
	if res.Outcome.Kind == consensus.OutcomeAgreed {
		view["outcome"] = "agreed"
		view["value"] = res.Outcome.Value
		view["agreement"] = res.Outcome.Agreement
	} else {
		view["outcome"] = "halted"
		view["halt_reason"] = res.Outcome.Reason.String()
	}
	return view
}

func recordView(rec gormstore.RoundRecord) gin.H {
	view := gin.H{
		"round_id":     rec.ID,
		"domain":       rec.Domain,
		"participants": rec.Participants,
		"total_weight": rec.TotalWeight,
		"agree_weight": rec.AgreeWeight,
		"variance":     rec.Variance,
		"closed_at":    rec.ClosedAt.Unix(),
	}
	if rec.Outcome.Kind == consensus.OutcomeAgreed {
		view["outcome"] = "agreed"
		view["value"] = rec.Outcome.Value
		view["agreement"] = rec.Outcome.Agreement
	} else {
		view["outcome"] = "halted"
		view["halt_reason"] = rec.Outcome.Reason.String()
	}
	return view
}
