package order

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBuyer  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testSeller = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// stubOpener satisfies EscrowOpener without touching custody.
type stubOpener struct {
	opened []string
	err    error
}

func (s *stubOpener) OpenForOrder(ctx context.Context, o *Order) (*FundingInstructions, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.opened = append(s.opened, o.ID)
	return &FundingInstructions{
		EscrowID: "esc_test",
		PayTo:    "0xcccccccccccccccccccccccccccccccccccccccc",
		Asset:    "USDC",
		Amount:   "10.000000",
		Nonce:    "abc123",
	}, nil
}

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

func newHandlerFixture(wallet string, admin bool) (*Handler, *Service, *stubOpener, *gin.Engine) {
	svc := NewService(NewMemoryStore(), testLogger())
	opener := &stubOpener{}
	h := NewHandler(svc, opener)
	return h, svc, opener, setupRouter(h, wallet, admin)
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

func TestCreateOrder_OpensEscrow(t *testing.T) {
	_, _, opener, r := newHandlerFixture(testBuyer, false)

	w := doJSON(r, http.MethodPost, "/v1/orders", gin.H{
		"gigId":      "gig_1",
		"agentId":    "agent_1",
		"buyerAddr":  testBuyer,
		"sellerAddr": testSeller,
		"amount":     "10.00",
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Order   Order               `json:"order"`
		Funding FundingInstructions `json:"funding"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusPending, resp.Order.Status)
	assert.Equal(t, int64(10_000_000), resp.Order.AmountMinor)
	assert.Equal(t, "esc_test", resp.Funding.EscrowID)
	assert.Len(t, opener.opened, 1)
}

func TestCreateOrder_CallerMustBeBuyer(t *testing.T) {
	_, _, _, r := newHandlerFixture(testSeller, false)

	w := doJSON(r, http.MethodPost, "/v1/orders", gin.H{
		"gigId":      "gig_1",
		"agentId":    "agent_1",
		"buyerAddr":  testBuyer,
		"sellerAddr": testSeller,
		"amount":     "10.00",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateOrder_RejectsBadAmount(t *testing.T) {
	_, _, _, r := newHandlerFixture(testBuyer, false)

	for _, amount := range []string{"0", "-1", "1.1234567", "abc"} {
		w := doJSON(r, http.MethodPost, "/v1/orders", gin.H{
			"gigId":      "gig_1",
			"agentId":    "agent_1",
			"buyerAddr":  testBuyer,
			"sellerAddr": testSeller,
			"amount":     amount,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, "amount %q", amount)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	_, _, _, r := newHandlerFixture(testBuyer, false)

	w := doJSON(r, http.MethodGet, "/v1/orders/ord_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["error"])
}

func TestActionEndpoints_RoleDerivation(t *testing.T) {
	h, svc, _, _ := newHandlerFixture(testBuyer, false)
	ctx := context.Background()

	o, err := svc.Create(ctx, CreateRequest{
		GigID:      "gig_1",
		AgentID:    "agent_1",
		BuyerAddr:  testBuyer,
		SellerAddr: testSeller,
		Amount:     "10.00",
	}, 10_000_000)
	require.NoError(t, err)
	_, err = svc.Apply(ctx, o.ID, ActionPay, RoleScheduler)
	require.NoError(t, err)

	// The buyer cannot start work.
	buyerRouter := setupRouter(h, testBuyer, false)
	w := doJSON(buyerRouter, http.MethodPost, "/v1/orders/"+o.ID+"/start_work", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The seller can.
	sellerRouter := setupRouter(h, testSeller, false)
	w = doJSON(sellerRouter, http.MethodPost, "/v1/orders/"+o.ID+"/start_work", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A stranger is not a party at all.
	strangerRouter := setupRouter(h, "0xdddddddddddddddddddddddddddddddddddddddd", false)
	w = doJSON(strangerRouter, http.MethodPost, "/v1/orders/"+o.ID+"/deliver", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCancelOrder_PendingOnly(t *testing.T) {
	h, svc, _, r := newHandlerFixture(testBuyer, false)
	ctx := context.Background()

	o, err := svc.Create(ctx, CreateRequest{
		GigID:      "gig_1",
		AgentID:    "agent_1",
		BuyerAddr:  testBuyer,
		SellerAddr: testSeller,
		Amount:     "10.00",
	}, 10_000_000)
	require.NoError(t, err)

	w := doJSON(r, http.MethodPost, "/v1/orders/"+o.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// A funded order is not cancellable through this endpoint.
	o2, err := svc.Create(ctx, CreateRequest{
		GigID:      "gig_2",
		AgentID:    "agent_1",
		BuyerAddr:  testBuyer,
		SellerAddr: testSeller,
		Amount:     "5.00",
	}, 5_000_000)
	require.NoError(t, err)
	_, err = svc.Apply(ctx, o2.ID, ActionPay, RoleScheduler)
	require.NoError(t, err)

	w = doJSON(setupRouter(h, testBuyer, false), http.MethodPost, "/v1/orders/"+o2.ID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListOrders_ScopedToCaller(t *testing.T) {
	_, svc, _, r := newHandlerFixture(testBuyer, false)
	ctx := context.Background()

	for _, buyer := range []string{testBuyer, testBuyer, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"} {
		_, err := svc.Create(ctx, CreateRequest{
			GigID:      "gig_1",
			AgentID:    "agent_1",
			BuyerAddr:  buyer,
			SellerAddr: testSeller,
			Amount:     "1.00",
		}, 1_000_000)
		require.NoError(t, err)
	}

	w := doJSON(r, http.MethodGet, "/v1/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Orders []*Order `json:"orders"`
		Count  int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	for _, o := range resp.Orders {
		assert.Equal(t, testBuyer, o.BuyerAddr)
	}
}
