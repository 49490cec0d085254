package wallet_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mwork/wallet-ledger/internal/domain/wallet"
	"github.com/mwork/wallet-ledger/internal/middleware"
	"github.com/mwork/wallet-ledger/internal/pkg/jwt"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
	Meta *struct {
		Total   int  `json:"total"`
		HasNext bool `json:"has_next"`
	} `json:"meta"`
}

type mutationBody struct {
	AlreadyProcessed bool                `json:"already_processed"`
	Transaction      *wallet.Transaction `json:"transaction"`
	Balance          *wallet.Balance     `json:"balance"`
}

type apiClient struct {
	t       *testing.T
	router  http.Handler
	jwt     *jwt.Service
	service string
	admin   string
}

func newAPI(t *testing.T) (*apiClient, *fixture) {
	t.Helper()
	f := newFixture(t)
	jwtSvc := jwt.NewService("wallet-handler-secret", time.Hour)

	h := wallet.NewHandler(f.svc)
	auth := middleware.Auth(jwtSvc)
	r := chi.NewRouter()
	r.Mount("/api/v1/wallet", h.OwnerRoutes(auth))
	r.Mount("/api/v1/wallets", h.LedgerRoutes(auth))

	c := &apiClient{t: t, router: r, jwt: jwtSvc}
	c.service = c.token(uuid.New(), uuid.Nil, jwt.RoleService)
	c.admin = c.token(uuid.New(), uuid.Nil, jwt.RoleAdmin)
	return c, f
}

func (c *apiClient) token(userID, orgID uuid.UUID, role string) string {
	c.t.Helper()
	tok, err := c.jwt.GenerateAccessToken(userID, orgID, role, false)
	require.NoError(c.t, err)
	return tok
}

func (c *apiClient) do(token, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, apiResponse) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)

	var out apiResponse
	require.NoError(c.t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	return rr, out
}

func (c *apiClient) createWallet(userID uuid.UUID) uuid.UUID {
	c.t.Helper()
	rr, out := c.do(c.service, http.MethodPost, "/api/v1/wallets/", map[string]interface{}{"user_id": userID})
	require.Equal(c.t, http.StatusOK, rr.Code, rr.Body.String())
	var b wallet.Balance
	require.NoError(c.t, json.Unmarshal(out.Data, &b))
	return b.WalletID
}

func decodeMutation(t *testing.T, out apiResponse) mutationBody {
	t.Helper()
	var m mutationBody
	require.NoError(t, json.Unmarshal(out.Data, &m))
	return m
}

func TestHandler_LedgerFlow(t *testing.T) {
	api, _ := newAPI(t)
	id := api.createWallet(uuid.New())
	base := "/api/v1/wallets/" + id.String()

	rr, out := api.do(api.service, http.MethodPost, base+"/topup", map[string]interface{}{
		"amount": 10000, "idempotency_key": "k1", "reference_id": "pay-1",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decodeMutation(t, out)
	require.False(t, m.AlreadyProcessed)
	require.Equal(t, int64(10000), m.Balance.Balance)
	require.Equal(t, int64(1), m.Balance.Version)
	require.Equal(t, "topup:k1", m.Transaction.IdempotencyKey)

	rr, out = api.do(api.service, http.MethodPost, base+"/topup", map[string]interface{}{
		"amount": 10000, "idempotency_key": "k1",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, decodeMutation(t, out).AlreadyProcessed)

	// Key taken from the header when the body has none.
	rr, out = api.do(api.service, http.MethodPost, base+"/hold", map[string]interface{}{"amount": 2000}, "Idempotency-Key", "h1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m = decodeMutation(t, out)
	require.Equal(t, int64(2000), m.Balance.LockedBalance)
	require.Equal(t, "hold:h1", m.Transaction.IdempotencyKey)

	rr, _ = api.do(api.service, http.MethodPost, base+"/holds/confirm", map[string]interface{}{"amount": 1500, "idempotency_key": "c1"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = api.do(api.service, http.MethodPost, base+"/holds/release", map[string]interface{}{"amount": 500, "idempotency_key": "r1"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = api.do(api.service, http.MethodPost, base+"/deduct", map[string]interface{}{"amount": 1000, "idempotency_key": "d1"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = api.do(api.service, http.MethodPost, base+"/refund", map[string]interface{}{"amount": 300, "idempotency_key": "rf1", "description": "late cancel"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = api.do(api.service, http.MethodPost, base+"/rewards", map[string]interface{}{"amount": 200, "idempotency_key": "rw1", "reference_id": "spring"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out = api.do(api.service, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var b wallet.Balance
	require.NoError(t, json.Unmarshal(out.Data, &b))
	require.Equal(t, int64(10000-1500-1000+300+200), b.Balance)
	require.Zero(t, b.LockedBalance)
	require.Equal(t, int64(7), b.Version)

	rr, out = api.do(api.service, http.MethodGet, base+"/transactions?limit=3", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, out.Meta)
	require.Equal(t, 7, out.Meta.Total)
	require.True(t, out.Meta.HasNext)
	var rows []wallet.Transaction
	require.NoError(t, json.Unmarshal(out.Data, &rows))
	require.Len(t, rows, 3)

	rr, out = api.do(api.service, http.MethodGet, base+"/transactions?type=HOLD", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, out.Meta.Total)

	rr, _ = api.do(api.service, http.MethodGet, base+"/transactions?type=BONUS", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandler_OperationErrors(t *testing.T) {
	api, f := newAPI(t)
	id := api.createWallet(uuid.New())
	base := "/api/v1/wallets/" + id.String()

	rr, out := api.do(api.service, http.MethodPost, base+"/deduct", map[string]interface{}{"amount": 500, "idempotency_key": "d1"})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "insufficient_balance", out.Error.Code)
	require.Equal(t, "500", out.Error.Details["shortfall"])

	rr, out = api.do(api.service, http.MethodPost, base+"/deduct", map[string]interface{}{"amount": 0, "idempotency_key": "d1"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, out.Error.Details, "amount")

	rr, out = api.do(api.service, http.MethodPost, base+"/deduct", map[string]interface{}{"amount": 5})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, out.Error.Details, "idempotency_key")

	rr, _ = api.do(api.service, http.MethodPost, base+"/deduct", map[string]interface{}{"amount": 5, "idempotency_key": "x", "surprise": true})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = api.do(api.service, http.MethodPost, "/api/v1/wallets/not-a-uuid/topup", map[string]interface{}{"amount": 5, "idempotency_key": "x"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, out = api.do(api.service, http.MethodPost, "/api/v1/wallets/"+uuid.NewString()+"/topup", map[string]interface{}{"amount": 5, "idempotency_key": "x"})
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "wallet_not_found", out.Error.Code)

	rr, out = api.do(api.service, http.MethodPost, base+"/topup", map[string]interface{}{"amount": 2_000_000, "idempotency_key": "big"})
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "daily_topup_limit_exceeded", out.Error.Code)

	_, err := f.svc.FreezeWallet(context.Background(), id)
	require.NoError(t, err)
	rr, out = api.do(api.service, http.MethodPost, base+"/topup", map[string]interface{}{"amount": 5, "idempotency_key": "t1"})
	require.Equal(t, http.StatusLocked, rr.Code)
	require.Equal(t, "wallet_frozen", out.Error.Code)
}

func TestHandler_AdminRoutes(t *testing.T) {
	api, _ := newAPI(t)
	id := api.createWallet(uuid.New())
	base := "/api/v1/wallets/" + id.String()

	adjust := map[string]interface{}{"amount": 400, "idempotency_key": "adj-1", "direction": "credit", "reason": "goodwill"}
	rr, _ := api.do(api.service, http.MethodPost, base+"/adjust", adjust)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr, out := api.do(api.admin, http.MethodPost, base+"/adjust", adjust)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decodeMutation(t, out)
	require.Equal(t, int64(400), m.Balance.Balance)
	require.Equal(t, "goodwill", m.Transaction.Metadata.Adjustment.Reason)
	require.NotEmpty(t, m.Transaction.Metadata.Adjustment.AdminID)

	rr, out = api.do(api.admin, http.MethodPost, base+"/adjust", map[string]interface{}{"amount": 1, "idempotency_key": "adj-2", "direction": "up", "reason": "x"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Contains(t, out.Error.Details, "direction")

	rr, out = api.do(api.admin, http.MethodPost, base+"/status", map[string]string{"status": "FROZEN"})
	require.Equal(t, http.StatusOK, rr.Code)
	var b wallet.Balance
	require.NoError(t, json.Unmarshal(out.Data, &b))
	require.Equal(t, wallet.StatusFrozen, b.Status)

	rr, _ = api.do(api.admin, http.MethodPost, base+"/status", map[string]string{"status": "CLOSED"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, out = api.do(api.admin, http.MethodPost, base+"/status", map[string]string{"status": "ACTIVE"})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "invalid_status_transition", out.Error.Code)

	rr, _ = api.do(api.admin, http.MethodPost, base+"/status", map[string]string{"status": "PAUSED"})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestHandler_OwnerRoutes(t *testing.T) {
	api, _ := newAPI(t)
	userID := uuid.New()
	orgID := uuid.New()
	userToken := api.token(userID, orgID, jwt.RoleUser)

	rr, out := api.do(userToken, http.MethodGet, "/api/v1/wallet/", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var mine wallet.Balance
	require.NoError(t, json.Unmarshal(out.Data, &mine))

	rr, out = api.do(userToken, http.MethodGet, "/api/v1/wallet/?owner=organization", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var org wallet.Balance
	require.NoError(t, json.Unmarshal(out.Data, &org))
	require.NotEqual(t, mine.WalletID, org.WalletID)

	// The wallet the service sees for this user is the same one.
	require.Equal(t, mine.WalletID, api.createWallet(userID))

	rr, out = api.do(api.service, http.MethodPost, "/api/v1/wallets/"+mine.WalletID.String()+"/topup", map[string]interface{}{"amount": 900, "idempotency_key": "t1"})
	require.Equal(t, http.StatusOK, rr.Code)
	txID := decodeMutation(t, out).Transaction.ID

	rr, out = api.do(userToken, http.MethodGet, "/api/v1/wallet/transactions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, out.Meta.Total)

	rr, out = api.do(userToken, http.MethodGet, "/api/v1/wallet/transactions/"+txID.String()+"/verify", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var v struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(out.Data, &v))
	require.True(t, v.Valid)

	// Another owner cannot probe the row.
	stranger := api.token(uuid.New(), uuid.Nil, jwt.RoleUser)
	rr, _ = api.do(stranger, http.MethodGet, "/api/v1/wallet/transactions/"+txID.String()+"/verify", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = api.do(stranger, http.MethodGet, "/api/v1/wallet/?owner=organization", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = api.do(userToken, http.MethodPost, "/api/v1/wallets/"+mine.WalletID.String()+"/topup", map[string]interface{}{"amount": 1, "idempotency_key": "t2"})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = api.do("", http.MethodGet, "/api/v1/wallet/", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
