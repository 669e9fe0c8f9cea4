// Package api wires up the Gin HTTP router that exposes read-only
// introspection into one domain's entities, matches and leases, plus
// the liveness and metrics endpoints an operator points a scraper at.
package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rtps-core/ddsi/internal/domain"
	"github.com/rtps-core/ddsi/internal/rtps"
)

// Handler holds the dependencies injected from main: the domain being
// served and the Prometheus registry its metrics were registered
// against.
type Handler struct {
	dom *domain.Domain
	reg http.Handler
}

// NewHandler creates a Handler. metricsHandler is normally
// promhttp.HandlerFor(reg, ...); it is passed in rather than built here
// so main retains control over registry construction.
func NewHandler(dom *domain.Domain, metricsHandler http.Handler) *Handler {
	return &Handler{dom: dom, reg: metricsHandler}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(h.reg))

	d := r.Group("/domain")
	d.GET("", h.DomainInfo)

	writers := r.Group("/writers")
	writers.GET("", h.ListWriters)
	writers.GET("/:guid", h.GetWriter)

	readers := r.Group("/readers")
	readers.GET("", h.ListReaders)
	readers.GET("/:guid", h.GetReader)

	r.GET("/leases", h.Leases)
}

// parseGUID parses the "<prefix-hex>:<entity-hex>" form produced by
// rtps.GUID.String.
func parseGUID(s string) (rtps.GUID, error) {
	prefixHex, entityHex, ok := strings.Cut(s, ":")
	if !ok {
		return rtps.GUID{}, fmt.Errorf("malformed GUID %q", s)
	}
	var g rtps.GUID
	pb, err := hex.DecodeString(prefixHex)
	if err != nil || len(pb) != len(g.Prefix) {
		return rtps.GUID{}, fmt.Errorf("malformed GUID prefix %q", prefixHex)
	}
	eb, err := hex.DecodeString(entityHex)
	if err != nil || len(eb) != len(g.Entity) {
		return rtps.GUID{}, fmt.Errorf("malformed GUID entity %q", entityHex)
	}
	copy(g.Prefix[:], pb)
	copy(g.Entity[:], eb)
	return g, nil
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DomainInfo handles GET /domain
func (h *Handler) DomainInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"domain_id":     h.dom.ID,
		"prefix":        h.dom.Prefix.String(),
		"writer_count":  len(h.dom.Writers()),
		"reader_count":  len(h.dom.Readers()),
		"lease_count":   h.dom.Leases().Len(),
		"gc_pending":    h.dom.GCPending(),
	})
}

// ListWriters handles GET /writers
func (h *Handler) ListWriters(c *gin.Context) {
	out := make([]domain.WriterStats, 0, len(h.dom.Writers()))
	for _, w := range h.dom.Writers() {
		out = append(out, w.Stats())
	}
	c.JSON(http.StatusOK, gin.H{"writers": out})
}

// GetWriter handles GET /writers/:guid
func (h *Handler) GetWriter(c *gin.Context) {
	guid, err := parseGUID(c.Param("guid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, ok := h.dom.LookupWriter(guid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "writer not found"})
		return
	}
	c.JSON(http.StatusOK, w.Stats())
}

// ListReaders handles GET /readers
func (h *Handler) ListReaders(c *gin.Context) {
	out := make([]domain.ReaderStats, 0, len(h.dom.Readers()))
	for _, r := range h.dom.Readers() {
		out = append(out, r.Stats())
	}
	c.JSON(http.StatusOK, gin.H{"readers": out})
}

// GetReader handles GET /readers/:guid
func (h *Handler) GetReader(c *gin.Context) {
	guid, err := parseGUID(c.Param("guid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, ok := h.dom.LookupReader(guid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "reader not found"})
		return
	}
	c.JSON(http.StatusOK, r.Stats())
}

// Leases handles GET /leases. The lease heap exposes only its size and
// its current minimum deadline for lock-free reads — walking every
// tracked lease would require taking the heap's internal lock, which
// admin introspection should never contend with the hot path for.
func (h *Handler) Leases(c *gin.Context) {
	resp := gin.H{"count": h.dom.Leases().Len()}
	if min, ok := h.dom.Leases().MinDeadline(); ok {
		resp["next_deadline"] = min.Deadline
		resp["next_guid"] = min.GUID.String()
	}
	c.JSON(http.StatusOK, resp)
}
