package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kgraph/backend/internal/app"
	"kgraph/backend/internal/constants"
	"kgraph/backend/internal/graph"
	"kgraph/backend/internal/ingest"
	"kgraph/backend/internal/metrics"
	"kgraph/backend/internal/relationship"
	"kgraph/backend/internal/resolver"
	"kgraph/backend/internal/salience"
	apperrors "kgraph/backend/pkg/errors"
)

// api holds the components the handlers call into
type api struct {
	store    graph.Store
	resolver *resolver.Resolver
	builder  *relationship.Builder
	tracker  *salience.Tracker
	ingest   *ingest.Orchestrator
	metrics  *metrics.Collector
	now      func() time.Time
}

func newAPI(a *app.App) *api {
	return &api{
		store:    a.Store,
		resolver: a.Resolver,
		builder:  a.Builder,
		tracker:  a.Tracker,
		ingest:   a.Orchestrator,
		metrics:  a.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newRouter(h *api, log *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware(h.metrics))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	owners := router.Group("/api/owners/:owner")
	{
		owners.POST("/resolve", h.resolve)
		owners.POST("/self", h.setSelf)
		owners.POST("/relationships", h.createRelationship)
		owners.PATCH("/relationships", h.updateRelationship)
		owners.POST("/relationships/notes", h.addNote)
		owners.POST("/access", h.access)
		owners.POST("/ingest", h.ingestTranscript)
	}
	return router
}

// metricsMiddleware records request counts and latency by route template
func metricsMiddleware(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.RecordHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeValidation):
		return http.StatusBadRequest
	case apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound):
		return http.StatusNotFound
	case apperrors.IsErrorType(err, apperrors.ErrorTypeDuplicate):
		return http.StatusConflict
	case apperrors.IsErrorType(err, apperrors.ErrorTypeUnsupportedPair):
		return http.StatusUnprocessableEntity
	case apperrors.IsErrorType(err, apperrors.ErrorTypePartial):
		return http.StatusMultiStatus
	case apperrors.IsErrorType(err, apperrors.ErrorTypeExternal):
		return http.StatusBadGateway
	case apperrors.IsErrorType(err, apperrors.ErrorTypeContext):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var kinded interface{ Kind() apperrors.ErrorType }
	if errors.As(err, &kinded) {
		body["type"] = kinded.Kind()
	}
	c.JSON(status, body)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "type": apperrors.ErrorTypeValidation})
		return false
	}
	return true
}

// ============================================================================
// Handlers
// ============================================================================

type resolveRequest struct {
	Name        string `json:"name" binding:"required"`
	Kind        string `json:"kind" binding:"required"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

func (h *api) resolve(c *gin.Context) {
	var req resolveRequest
	if !bind(c, &req) {
		return
	}
	kind, err := graph.ParseKind(req.Kind)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := h.resolver.Resolve(c.Request.Context(), c.Param("owner"), graph.CandidateMention{
		Name:        req.Name,
		Kind:        kind,
		Description: req.Description,
		Context:     req.Context,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type selfRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// setSelf creates or finds the owner's Person node and marks it as self
func (h *api) setSelf(c *gin.Context) {
	var req selfRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	owner := c.Param("owner")

	node, err := graph.NewNode(owner, graph.KindPerson, req.Name, req.Description, constants.ProvenanceAPI, h.now())
	if err != nil {
		fail(c, err)
		return
	}
	stored, _, err := h.store.UpsertNode(ctx, node)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.store.SetSelf(ctx, owner, stored.Key); err != nil {
		fail(c, err)
		return
	}
	stored.IsSelf = true
	c.JSON(http.StatusOK, stored)
}

type createRelationshipRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
	relationship.RelationshipProps
}

func (h *api) createRelationship(c *gin.Context) {
	var req createRelationshipRequest
	if !bind(c, &req) {
		return
	}
	ref, err := h.builder.CreateRelationship(c.Request.Context(), c.Param("owner"), req.From, req.To, req.RelationshipProps)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

type updateRelationshipRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
	relationship.UpdateRequest
}

func (h *api) updateRelationship(c *gin.Context) {
	var req updateRelationshipRequest
	if !bind(c, &req) {
		return
	}
	ref, regenerated, err := h.builder.UpdateRelationship(c.Request.Context(), c.Param("owner"), req.From, req.To, req.UpdateRequest)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationship": ref, "regenerated": regenerated})
}

type noteRequest struct {
	From     string                `json:"from" binding:"required"`
	To       string                `json:"to" binding:"required"`
	Text     string                `json:"text" binding:"required"`
	Author   string                `json:"author"`
	Lifetime relationship.Lifetime `json:"lifetime"`
}

func (h *api) addNote(c *gin.Context) {
	var req noteRequest
	if !bind(c, &req) {
		return
	}
	if req.Lifetime == "" {
		req.Lifetime = relationship.LifetimeMonth
	}
	ref, err := h.builder.AddNote(c.Request.Context(), c.Param("owner"), req.From, req.To, req.Text, req.Author, req.Lifetime)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

type accessRequest struct {
	Keys []string `json:"keys" binding:"required,min=1"`
}

func (h *api) access(c *gin.Context) {
	var req accessRequest
	if !bind(c, &req) {
		return
	}
	stats, err := h.tracker.TouchBatch(c.Request.Context(), c.Param("owner"), req.Keys)
	if err != nil {
		var partial *apperrors.ErrPartialFailure
		if !errors.As(err, &partial) {
			fail(c, err)
			return
		}
		failed := make(map[string]string, len(partial.Failed))
		for key, ferr := range partial.Failed {
			failed[key] = ferr.Error()
		}
		c.JSON(http.StatusMultiStatus, gin.H{"updated": stats, "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": stats})
}

type ingestRequest struct {
	ConversationID string   `json:"conversation_id"`
	Text           string   `json:"text"`
	Chunks         []string `json:"chunks"`
}

// ingestTranscript runs a raw transcript through the pipeline as one
// conversation, either as a single chunk or as the chunks given
func (h *api) ingestTranscript(c *gin.Context) {
	var req ingestRequest
	if !bind(c, &req) {
		return
	}
	chunks := req.Chunks
	if len(chunks) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			fail(c, apperrors.NewValidation("text", "either text or chunks is required"))
			return
		}
		chunks = []string{req.Text}
	}
	convID := req.ConversationID
	if convID == "" {
		convID = graph.NewSourceKey()
	}

	result := h.ingest.IngestConversation(c.Request.Context(), c.Param("owner"), convID, chunks)
	status := http.StatusOK
	if result.Failed > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}
