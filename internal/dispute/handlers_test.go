package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskbazaar/settlement/internal/escrow"
)

func setupRouter(h *Handler, wallet string, admin bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if wallet != "" {
			c.Set("walletAddr", wallet)
		}
		c.Set("isAdmin", admin)
		c.Next()
	})
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	return r
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOpenDispute_HTTP(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	r := setupRouter(NewHandler(f.svc), buyer, false)

	w := doJSON(r, http.MethodPost, "/v1/order/ord_1/dispute", gin.H{
		"reason":   goodReason,
		"category": CategoryQuality,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusOpen, resp.Dispute.Status)
	assert.Equal(t, "ord_1", resp.Dispute.OrderID)
}

func TestOpenDispute_ShortReasonRejected(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	r := setupRouter(NewHandler(f.svc), buyer, false)

	w := doJSON(r, http.MethodPost, "/v1/order/ord_1/dispute", gin.H{"reason": "bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenDispute_NonBuyerForbidden(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	r := setupRouter(NewHandler(f.svc), seller, false)

	w := doJSON(r, http.MethodPost, "/v1/order/ord_1/dispute", gin.H{"reason": goodReason})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestArbitrate_HTTP_AutoResolve(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	d := openDispute(t, f, "ord_1")
	f.arbitrator.rec = &Recommendation{
		Resolution: escrow.ResolutionRefundBuyer,
		Confidence: 95,
		Analysis:   "clear cut",
	}
	r := setupRouter(NewHandler(f.svc), buyer, false)

	w := doJSON(r, http.MethodPost, "/v1/dispute/"+d.ID+"/arbitrate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Dispute     Dispute `json:"dispute"`
		AutoResolve bool    `json:"autoResolve"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.AutoResolve)
	assert.Equal(t, ResolverAI, resp.Dispute.ResolvedBy)
}

func TestArbitrate_HTTP_StrangerForbidden(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	d := openDispute(t, f, "ord_1")
	f.arbitrator.rec = &Recommendation{
		Resolution: escrow.ResolutionRefundBuyer,
		Confidence: 95,
	}

	stranger := "0xdddddddddddddddddddddddddddddddddddddddd"
	r := setupRouter(NewHandler(f.svc), stranger, false)

	w := doJSON(r, http.MethodPost, "/v1/dispute/"+d.ID+"/arbitrate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Zero(t, f.settler.refunds, "a stranger must not be able to move funds")
}

func TestResolve_HTTP_AdminOnly(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	d := openDispute(t, f, "ord_1")
	h := NewHandler(f.svc)

	body := gin.H{"resolution": escrow.ResolutionRefundBuyer, "notes": goodNotes}

	w := doJSON(setupRouter(h, buyer, false), http.MethodPost, "/v1/dispute/"+d.ID+"/resolve", body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(setupRouter(h, "", true), http.MethodPost, "/v1/dispute/"+d.ID+"/resolve", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A second binding resolution is rejected.
	w = doJSON(setupRouter(h, "", true), http.MethodPost, "/v1/dispute/"+d.ID+"/resolve", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDispute_HTTP(t *testing.T) {
	f := newFixture(85)
	fundedEscrow(t, f, "ord_1", 10_000_000)
	d := openDispute(t, f, "ord_1")
	r := setupRouter(NewHandler(f.svc), "", false)

	w := doJSON(r, http.MethodGet, "/v1/dispute/"+d.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/dispute/dsp_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
