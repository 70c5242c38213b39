package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/damienh972/hodl-my-notes/internal/bundle"
	"github.com/damienh972/hodl-my-notes/internal/chain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxBundleBytes bounds the body of POST /bundles/verify.
const MaxBundleBytes = 64 << 20

// BundleHandler verifies uploaded bundles and exports local logbooks.
type BundleHandler struct {
	verifier *bundle.Verifier
	exporter *bundle.Exporter
	logger   *zap.Logger
}

// NewBundleHandler creates a new BundleHandler. exporter may be nil to
// disable the export route.
func NewBundleHandler(verifier *bundle.Verifier, exporter *bundle.Exporter, logger *zap.Logger) *BundleHandler {
	return &BundleHandler{verifier: verifier, exporter: exporter, logger: logger}
}

// Register mounts the bundle routes on the given router group.
func (h *BundleHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/bundles/verify", BodyLimit(MaxBundleBytes), h.Verify)
	if h.exporter != nil {
		rg.GET("/logbooks/:name/export", h.Export)
	}
}

// Verify handles POST /bundles/verify. The body is the zip archive. Checks
// can be skipped with skip_content, skip_linkage, skip_ledger and
// skip_code_version query flags.
func (h *BundleHandler) Verify(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("bundle exceeds %d bytes", tooLarge.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	zr, err := bundle.NewZipReader(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := bundle.Options{
		SkipContentHash: c.Query("skip_content") == "true",
		SkipLinkage:     c.Query("skip_linkage") == "true",
		SkipLedger:      c.Query("skip_ledger") == "true",
		SkipCodeVersion: c.Query("skip_code_version") == "true",
	}
	rep, err := h.verifier.Verify(c.Request.Context(), zr, opts)
	if err != nil {
		if errors.Is(err, bundle.ErrInvalidBundle) || errors.Is(err, chain.ErrInvalidName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("verify bundle", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Export handles GET /logbooks/:name/export and streams the zip archive.
func (h *BundleHandler) Export(c *gin.Context) {
	name := c.Param("name")
	exists, err := h.exporter.Stores().Exists(name)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "logbook not found"})
		return
	}

	var buf bytes.Buffer
	meta, err := h.exporter.Export(name, &buf)
	if err != nil {
		if errors.Is(err, chain.ErrMissingContent) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("export bundle", zap.String("logbook", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.zip"`, name, meta.BundleID))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}
