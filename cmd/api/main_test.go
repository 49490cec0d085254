package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/wallet-ledger/internal/config"
	"github.com/mwork/wallet-ledger/internal/domain/wallet"
	"github.com/mwork/wallet-ledger/internal/middleware"
	"github.com/mwork/wallet-ledger/internal/pkg/jwt"
	"github.com/mwork/wallet-ledger/internal/pkg/lockgate"
)

func testRouter(t *testing.T, health func(ctx context.Context) error) (http.Handler, *jwt.Service) {
	t.Helper()
	cfg := &config.Config{AllowedOrigins: []string{"http://localhost:3000"}}

	svc, err := wallet.NewService(wallet.NewMemoryStore(), lockgate.NewMemoryRegistry(time.Hour), wallet.Config{
		SignatureSecret: "test-secret",
		DailyTopupLimit: 1_000_000,
		DebitRateLimit:  10,
		DebitRateWindow: time.Minute,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	jwtSvc := jwt.NewService("jwt-secret", time.Minute)
	return newRouter(cfg, wallet.NewHandler(svc), middleware.Auth(jwtSvc), health), jwtSvc
}

func TestHealthReportsDependencyFailure(t *testing.T) {
	healthy, _ := testRouter(t, func(context.Context) error { return nil })
	rr := httptest.NewRecorder()
	healthy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	broken, _ := testRouter(t, func(context.Context) error { return errors.New("redis down") })
	rr = httptest.NewRecorder()
	broken.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestWalletRoutesRequireAuth(t *testing.T) {
	r, _ := testRouter(t, nil)

	for _, path := range []string{"/api/v1/wallet", "/api/v1/wallet/transactions"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestServiceTokenCanTopUpAndOwnerSeesBalance(t *testing.T) {
	r, jwtSvc := testRouter(t, nil)
	userID := uuid.New()

	serviceToken, err := jwtSvc.GenerateAccessToken(uuid.New(), uuid.Nil, jwt.RoleService, false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	userToken, err := jwtSvc.GenerateAccessToken(userID, uuid.Nil, jwt.RoleUser, false)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	// Owner's first read creates the wallet.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("get wallet: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Data wallet.Balance `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{"amount": 5000, "idempotency_key": "pay-1"})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/wallets/"+created.Data.WalletID.String()+"/topup", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("topup: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// A user token may not move funds.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/wallets/"+created.Data.WalletID.String()+"/topup", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+userToken)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("user topup: expected 403, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	var after struct {
		Data wallet.Balance `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.Data.Balance != 5000 || after.Data.Version != 1 {
		t.Fatalf("expected balance 5000 at version 1, got %+v", after.Data)
	}
}
