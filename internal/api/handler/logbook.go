package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/damienh972/hodl-my-notes/internal/ledger"
	"github.com/damienh972/hodl-my-notes/internal/logbook"
	"github.com/damienh972/hodl-my-notes/internal/metrics"
	"github.com/damienh972/hodl-my-notes/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LogbookHandler exposes logbook chains over HTTP. Read routes never create
// a logbook.
type LogbookHandler struct {
	svc    *logbook.Service
	engine *reconcile.Engine
	logger *zap.Logger
}

// NewLogbookHandler creates a new LogbookHandler.
func NewLogbookHandler(svc *logbook.Service, engine *reconcile.Engine, logger *zap.Logger) *LogbookHandler {
	return &LogbookHandler{svc: svc, engine: engine, logger: logger}
}

// Register mounts the logbook routes on the given router group. admin guards
// the mutating routes.
func (h *LogbookHandler) Register(rg *gin.RouterGroup, admin gin.HandlerFunc) {
	rg.GET("/logbooks", h.List)
	lb := rg.Group("/logbooks/:name")
	{
		lb.GET("", h.Get)
		lb.GET("/entries", h.Entries)
		lb.GET("/entries/:idx", h.GetEntry)
		lb.GET("/entries/:idx/proof", h.Proof)
		lb.GET("/validate", h.Validate)
		lb.GET("/integrity", h.Integrity)
		lb.POST("/reconstruct", BodyLimit(1<<20), admin, h.Reconstruct)
	}
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, chain.ErrInvalidName), errors.Is(err, chain.ErrInvalidFormat), errors.Is(err, chain.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrDuplicateEntry), errors.Is(err, ledger.ErrConflict), errors.Is(err, reconcile.ErrLedgerEmpty):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *LogbookHandler) fail(c *gin.Context, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, zap.String("logbook", c.Param("name")), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// store opens an existing logbook, answering 404 when it does not exist.
func (h *LogbookHandler) store(c *gin.Context) (*chain.Store, bool) {
	name := c.Param("name")
	stores := h.svc.Stores()
	exists, err := stores.Exists(name)
	if err != nil {
		h.fail(c, "logbook exists", err)
		return nil, false
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "logbook not found"})
		return nil, false
	}
	s, err := stores.Open(name)
	if err != nil {
		h.fail(c, "open logbook", err)
		return nil, false
	}
	return s, true
}

func entryIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return 0, false
	}
	return idx, true
}

// List handles GET /logbooks.
func (h *LogbookHandler) List(c *gin.Context) {
	names, err := h.svc.Logbooks(c.Request.Context())
	if err != nil && !errors.Is(err, ledger.ErrUnavailable) {
		h.fail(c, "list logbooks", err)
		return
	}
	resp := gin.H{"logbooks": names, "ledger_reachable": err == nil}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /logbooks/:name.
func (h *LogbookHandler) Get(c *gin.Context) {
	sum, err := h.svc.Describe(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, "describe logbook", err)
		return
	}
	if !sum.Exists && (sum.LedgerEntries == nil || *sum.LedgerEntries == 0) {
		c.JSON(http.StatusNotFound, gin.H{"error": "logbook not found"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Entries handles GET /logbooks/:name/entries.
func (h *LogbookHandler) Entries(c *gin.Context) {
	s, ok := h.store(c)
	if !ok {
		return
	}
	entries := s.Entries()
	c.JSON(http.StatusOK, gin.H{"logbook": s.Name(), "count": len(entries), "entries": entries})
}

// GetEntry handles GET /logbooks/:name/entries/:idx.
func (h *LogbookHandler) GetEntry(c *gin.Context) {
	s, ok := h.store(c)
	if !ok {
		return
	}
	idx, ok := entryIndex(c)
	if !ok {
		return
	}
	e, found := s.Entry(idx)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// Proof handles GET /logbooks/:name/entries/:idx/proof.
func (h *LogbookHandler) Proof(c *gin.Context) {
	s, ok := h.store(c)
	if !ok {
		return
	}
	idx, ok := entryIndex(c)
	if !ok {
		return
	}
	proof, err := s.Proof(idx)
	if err != nil {
		h.fail(c, "inclusion proof", err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// Validate handles GET /logbooks/:name/validate. An invalid chain is still a
// 200 response; the verdict is in the body.
func (h *LogbookHandler) Validate(c *gin.Context) {
	s, ok := h.store(c)
	if !ok {
		return
	}
	report := s.ValidateChain()
	metrics.RecordValidation(report.Verdict())
	if !report.Valid {
		h.logger.Warn("chain validation: INVALID",
			zap.String("logbook", s.Name()),
			zap.Strings("errors", report.Errors),
		)
	}
	c.JSON(http.StatusOK, gin.H{"verdict": report.Verdict(), "report": report})
}

// Integrity handles GET /logbooks/:name/integrity.
func (h *LogbookHandler) Integrity(c *gin.Context) {
	integrity, err := h.engine.CheckIntegrity(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, "check integrity", err)
		return
	}
	c.JSON(http.StatusOK, integrity)
}

// Reconstruct handles POST /logbooks/:name/reconstruct. It reconciles the
// logbook, rebuilding it only when it diverges from the ledger, unless
// ?force=true is given. A forced rebuild also recovers a chain document that
// no longer parses.
func (h *LogbookHandler) Reconstruct(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	var (
		res *reconcile.Result
		err error
	)
	if c.Query("force") == "true" {
		res, err = h.engine.Rebuild(ctx, name)
	} else {
		res, err = h.engine.Reconcile(ctx, name)
	}
	if err != nil {
		h.fail(c, "reconstruct", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
