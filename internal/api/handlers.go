package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/eventstore"
	"example.com/backstage/services/assetledger/internal/metrics"
)

// serverFields are assigned by the ledger and may not appear in a request.
var serverFields = []string{
	"event_id", "asset_id", "aggregate_version", "emitter_class", "emitter_id",
	"timestamp", "occurred_at", "prev_event_hash", "event_hash", "signature",
	"entity_id", "role",
}

type evidenceRequest struct {
	Policy       string `json:"policy" binding:"required"`
	EvidenceHash string `json:"evidence_hash"`
	WaiverReason string `json:"waiver_reason" binding:"max=2000"`
}

type appendRequest struct {
	EventType string          `json:"event_type" binding:"required,max=64"`
	Evidence  evidenceRequest `json:"evidence"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
}

// appendEvent handles POST /v1/assets/:asset_id/events.
func (s *Server) appendEvent(c *gin.Context) {
	identity := identityOf(c)

	expected, err := expectedVersion(c.GetHeader("If-Match"))
	if err != nil {
		WriteError(c, err)
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		WriteError(c, domain.Errorf(domain.ErrInvalidRequest, "Idempotency-Key header is required"))
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		WriteError(c, domain.Wrap(domain.ErrInvalidRequest, err))
		return
	}
	if err := rejectServerFields(raw); err != nil {
		WriteError(c, err)
		return
	}
	var req appendRequest
	if err := binding.JSON.BindBody(raw, &req); err != nil {
		WriteError(c, domain.Wrap(domain.ErrInvalidRequest, err))
		return
	}

	receipt, err := s.deps.Store.Append(c.Request.Context(), domain.Command{
		EntityID:        identity.EntityID,
		AssetID:         c.Param("asset_id"),
		ExpectedVersion: expected,
		EventType:       req.EventType,
		Emitter:         identity.Emitter,
		Evidence: domain.Evidence{
			Policy:       domain.EvidencePolicy(strings.ToUpper(req.Evidence.Policy)),
			EvidenceHash: req.Evidence.EvidenceHash,
			WaiverReason: req.Evidence.WaiverReason,
		},
		Payload:        req.Payload,
		IdempotencyKey: key,
	})
	if err != nil {
		WriteError(c, err)
		return
	}

	c.Header("ETag", etag(receipt.AggregateVersion))
	c.JSON(http.StatusOK, receipt)
}

// expectedVersion parses If-Match: "<n>". Weak tags and bare numbers are
// accepted.
func expectedVersion(header string) (int64, error) {
	v := strings.TrimSpace(header)
	if v == "" {
		return 0, domain.ErrPreconditionRequired
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.Errorf(domain.ErrInvalidRequest, "If-Match must be a non-negative aggregate version, got %q", header)
	}
	return n, nil
}

func rejectServerFields(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Errorf(domain.ErrInvalidRequest, "request body must be a JSON object")
	}
	var found []string
	for _, f := range serverFields {
		if _, ok := fields[f]; ok {
			found = append(found, f)
		}
	}
	if len(found) > 0 {
		return domain.Errorf(domain.ErrServerFieldSupplied, "server-assigned fields supplied: %s", strings.Join(found, ", "))
	}
	return nil
}

func etag(version int64) string {
	return fmt.Sprintf("%q", strconv.FormatInt(version, 10))
}

// listEvents handles GET /v1/assets/:asset_id/events.
func (s *Server) listEvents(c *gin.Context) {
	from, err := queryInt(c, "from_version", 1)
	if err != nil {
		WriteError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", eventstore.DefaultPageSize)
	if err != nil {
		WriteError(c, err)
		return
	}

	page, err := s.deps.Store.Events(c.Request.Context(), identityOf(c).EntityID, c.Param("asset_id"), from, int(limit))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func queryInt(c *gin.Context, name string, def int64) (int64, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.Errorf(domain.ErrInvalidRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// getProjection handles GET /v1/assets/:asset_id/projection.
func (s *Server) getProjection(c *gin.Context) {
	p, err := s.deps.Store.Projection(c.Request.Context(), identityOf(c).EntityID, c.Param("asset_id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.Header("ETag", etag(p.AggregateVersion))
	c.JSON(http.StatusOK, p)
}

// getTip handles GET /v1/assets/:asset_id/tip.
func (s *Server) getTip(c *gin.Context) {
	tip, err := s.deps.Store.Tip(c.Request.Context(), identityOf(c).EntityID, c.Param("asset_id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.Header("ETag", etag(tip.AggregateVersion))
	c.JSON(http.StatusOK, tip)
}

// verifyAsset handles GET /v1/assets/:asset_id/verify. It re-runs the full
// audit, so a break found here quarantines the asset.
func (s *Server) verifyAsset(c *gin.Context) {
	ctx := c.Request.Context()
	assetID := c.Param("asset_id")

	// tenant check before doing any work
	if _, err := s.deps.Store.Events(ctx, identityOf(c).EntityID, assetID, 1, 1); err != nil {
		WriteError(c, err)
		return
	}
	res, err := s.deps.Auditor.VerifyAsset(ctx, assetID)
	if err != nil {
		WriteError(c, err)
		return
	}

	body := gin.H{
		"asset_id":         res.AssetID,
		"valid":            res.Valid,
		"chain_status":     res.ChainStatus,
		"verified_version": res.Verified,
	}
	if res.Break != nil {
		body["broken_version"] = res.Break.Version
		body["reason"] = res.Break.Reason
	}
	if res.Incident != nil {
		body["incident"] = res.Incident
	}
	c.JSON(http.StatusOK, body)
}

// getPublicKey handles GET /v1/emitters/:emitter_id/public-key.
func (s *Server) getPublicKey(c *gin.Context) {
	emitterID := c.Param("emitter_id")
	pub, err := s.deps.Keys.PublicKey(c.Request.Context(), emitterID)
	if err != nil {
		WriteError(c, domain.Wrap(domain.ErrInvalidRequest, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"emitter_id": emitterID,
		"algorithm":  "ed25519",
		"public_key": base64.StdEncoding.EncodeToString(pub),
	})
}

// getMetrics handles GET /metrics.
func (s *Server) getMetrics(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	data := metrics.Default().GetAllMetrics()
	data["runtime"] = map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc_bytes":       memStats.Alloc,
			"total_alloc_bytes": memStats.TotalAlloc,
			"sys_bytes":         memStats.Sys,
			"heap_objects":      memStats.HeapObjects,
			"gc_cycles":         memStats.NumGC,
		},
	}
	c.JSON(http.StatusOK, data)
}
