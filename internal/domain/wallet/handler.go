package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwork/wallet-ledger/internal/middleware"
	"github.com/mwork/wallet-ledger/internal/pkg/logger"
	"github.com/mwork/wallet-ledger/internal/pkg/response"
	"github.com/mwork/wallet-ledger/internal/pkg/validator"
)

type Handler struct {
	svc   *Service
	retry RetryPolicy
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, retry: DefaultRetryPolicy}
}

type ledgerRequest struct {
	Amount         int64  `json:"amount" validate:"gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"idem_key"`
	ReferenceID    string `json:"reference_id,omitempty" validate:"max=255"`
	Description    string `json:"description,omitempty" validate:"max=500"`
}

type adjustRequest struct {
	ledgerRequest
	Direction string `json:"direction" validate:"direction"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

type statusRequest struct {
	Status string `json:"status" validate:"wallet_status"`
}

type createWalletRequest struct {
	UserID         *uuid.UUID `json:"user_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
}

type mutationResponse struct {
	AlreadyProcessed bool         `json:"already_processed"`
	Transaction      *Transaction `json:"transaction,omitempty"`
	Balance          *Balance     `json:"balance,omitempty"`
}

type verifyResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Valid         bool      `json:"valid"`
}

// OwnerRoutes serve the caller's own wallet.
func (h *Handler) OwnerRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.MyWallet)
	r.Get("/transactions", h.MyTransactions)
	r.Get("/transactions/{id}/verify", h.VerifyMyTransaction)
	return r
}

// LedgerRoutes are called by billing services and administrators.
func (h *Handler) LedgerRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireService())
		r.Post("/", h.CreateWallet)
		r.Get("/{id}", h.Balance)
		r.Get("/{id}/transactions", h.Transactions)
		r.Post("/{id}/topup", h.TopUp)
		r.Post("/{id}/deduct", h.Deduct)
		r.Post("/{id}/hold", h.Hold)
		r.Post("/{id}/holds/release", h.ReleaseHold)
		r.Post("/{id}/holds/confirm", h.ConfirmHold)
		r.Post("/{id}/refund", h.Refund)
		r.Post("/{id}/rewards", h.CreditReward)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin())
		r.Post("/{id}/adjust", h.Adjust)
		r.Post("/{id}/status", h.SetStatus)
	})
	return r
}

// --- owner endpoints ---

func (h *Handler) callerOwner(r *http.Request) (Owner, bool) {
	ctx := r.Context()
	if r.URL.Query().Get("owner") == "organization" {
		orgID := middleware.GetOrganizationID(ctx)
		return OrganizationOwner(orgID), orgID != uuid.Nil
	}
	userID := middleware.GetUserID(ctx)
	return UserOwner(userID), userID != uuid.Nil
}

func (h *Handler) callerWallet(w http.ResponseWriter, r *http.Request) (*Wallet, bool) {
	owner, ok := h.callerOwner(r)
	if !ok {
		response.Forbidden(w, "no wallet owner in token")
		return nil, false
	}
	wallet, err := h.svc.GetOrCreateWallet(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return wallet, true
}

func (h *Handler) MyWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}
	response.OK(w, wallet.BalanceView())
}

func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}
	h.listTransactions(w, r, wallet.ID)
}

func (h *Handler) VerifyMyTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid transaction id")
		return
	}
	wallet, ok := h.callerWallet(w, r)
	if !ok {
		return
	}

	tx, err := h.svc.GetTransaction(r.Context(), txID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tx.WalletID != wallet.ID {
		response.NotFound(w, "transaction not found")
		return
	}

	valid := h.svc.VerifyTransactionSignature(tx)
	if !valid {
		logger.FromContext(r.Context()).Warn().
			Str("transaction_id", tx.ID.String()).
			Str("wallet_id", tx.WalletID.String()).
			Msg("wallet transaction failed signature verification")
	}
	response.OK(w, verifyResponse{TransactionID: tx.ID, Valid: valid})
}

// --- ledger endpoints ---

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	var owner Owner
	if req.UserID != nil {
		owner.UserID = *req.UserID
	}
	if req.OrganizationID != nil {
		owner.OrganizationID = *req.OrganizationID
	}
	if err := owner.Validate(); err != nil {
		response.ValidationError(w, map[string]string{"owner": "Exactly one of user_id or organization_id is required"})
		return
	}

	wallet, err := h.svc.GetOrCreateWallet(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, wallet.BalanceView())
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	balance, err := h.svc.GetWalletBalance(r.Context(), walletID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, balance)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	h.listTransactions(w, r, walletID)
}

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.TopUp(ctx, id, req.Amount, TopUpOptions{
			IdempotencyKey: req.IdempotencyKey,
			PaymentID:      req.ReferenceID,
			Description:    req.Description,
		})
	})
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.Deduct(ctx, id, req.Amount, chargeOptions(req))
	})
}

func (h *Handler) Hold(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.Hold(ctx, id, req.Amount, chargeOptions(req))
	})
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.ReleaseHold(ctx, id, req.Amount, chargeOptions(req))
	})
}

func (h *Handler) ConfirmHold(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.ConfirmHold(ctx, id, req.Amount, chargeOptions(req))
	})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.Refund(ctx, id, req.Amount, RefundOptions{
			ReferenceID:    req.ReferenceID,
			IdempotencyKey: req.IdempotencyKey,
			Reason:         req.Description,
		})
	})
}

func (h *Handler) CreditReward(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error) {
		return h.svc.CreditReward(ctx, id, req.Amount, RewardOptions{
			IdempotencyKey: req.IdempotencyKey,
			Campaign:       req.ReferenceID,
			Description:    req.Description,
		})
	})
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeAndValidate(w, r, &req, &req.ledgerRequest) {
		return
	}

	opts := AdjustOptions{
		IdempotencyKey: req.IdempotencyKey,
		Direction:      Direction(req.Direction),
		AdminID:        middleware.GetUserID(r.Context()).String(),
		Reason:         req.Reason,
	}
	res, err := RetryOnConflict(r.Context(), h.retry, func(ctx context.Context) (*Result, error) {
		return h.svc.Adjust(ctx, walletID, req.Amount, opts)
	})
	h.writeResult(w, r, res, err)
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	var (
		wallet *Wallet
		err    error
	)
	switch Status(req.Status) {
	case StatusFrozen:
		wallet, err = h.svc.FreezeWallet(r.Context(), walletID)
	case StatusActive:
		wallet, err = h.svc.UnfreezeWallet(r.Context(), walletID)
	case StatusClosed:
		wallet, err = h.svc.CloseWallet(r.Context(), walletID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.OK(w, wallet.BalanceView())
}

func chargeOptions(req ledgerRequest) ChargeOptions {
	return ChargeOptions{
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	}
}

func walletIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid wallet id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeAndValidate reads the body into dst. The Idempotency-Key header fills
// the key when the body omits it.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}, base *ledgerRequest) bool {
	if err := response.DecodeJSON(r.Body, dst); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return false
	}
	if base.IdempotencyKey == "" {
		base.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if errs := validator.Validate(dst); errs != nil {
		response.ValidationError(w, errs)
		return false
	}
	return true
}

func (h *Handler) handleMutation(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID, req ledgerRequest) (*Result, error)) {
	walletID, ok := walletIDParam(w, r)
	if !ok {
		return
	}
	var req ledgerRequest
	if !decodeAndValidate(w, r, &req, &req) {
		return
	}

	res, err := RetryOnConflict(r.Context(), h.retry, func(ctx context.Context) (*Result, error) {
		return fn(ctx, walletID, req)
	})
	h.writeResult(w, r, res, err)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, walletID uuid.UUID) {
	q := TransactionQuery{
		Limit:  parseIntQuery(r, "limit", DefaultPageLimit),
		Offset: parseIntQuery(r, "offset", 0),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		if err := validator.ValidateVar(t, "tx_type"); err != nil {
			response.ValidationError(w, map[string]string{"type": "Invalid transaction type"})
			return
		}
		txType := TransactionType(t)
		q.Type = &txType
	}

	page, err := h.svc.GetWalletTransactions(r.Context(), walletID, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.WithMeta(w, page.Items, response.PageMeta(page.Total, page.Limit, page.Offset))
}

func parseIntQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, res *Result, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Success {
		out := mutationResponse{AlreadyProcessed: res.AlreadyProcessed, Transaction: res.Transaction}
		if res.Wallet != nil {
			out.Balance = res.Wallet.BalanceView()
		}
		response.OK(w, out)
		return
	}
	writeOperationError(w, res.Error)
}

func writeOperationError(w http.ResponseWriter, opErr *OperationError) {
	code := string(opErr.Code)
	switch opErr.Code {
	case CodeValidation:
		response.ErrorWithDetails(w, http.StatusUnprocessableEntity, code, opErr.Message, nil)
	case CodeWalletNotFound:
		response.Error(w, http.StatusNotFound, code, opErr.Message)
	case CodeInsufficientBalance, CodeInsufficientLocked:
		response.ErrorWithDetails(w, http.StatusConflict, code, opErr.Message, map[string]string{
			"required":  strconv.FormatInt(opErr.Required, 10),
			"available": strconv.FormatInt(opErr.Available, 10),
			"shortfall": strconv.FormatInt(opErr.Shortfall(), 10),
		})
	case CodeRateLimitExceeded, CodeDailyTopupLimitExceeded:
		response.TooManyRequests(w, code, opErr.Message)
	case CodeWalletFrozen, CodeWalletClosed:
		response.Locked(w, code, opErr.Message)
	default:
		response.Error(w, http.StatusBadRequest, code, opErr.Message)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		response.Error(w, http.StatusNotFound, string(CodeWalletNotFound), "wallet not found")
	case errors.Is(err, ErrTransactionNotFound):
		response.NotFound(w, "transaction not found")
	case errors.Is(err, ErrInvalidOwner):
		response.ValidationError(w, map[string]string{"owner": err.Error()})
	case errors.Is(err, ErrInvalidFilter):
		response.ValidationError(w, map[string]string{"type": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		response.Error(w, http.StatusConflict, string(CodeConcurrentModification), "wallet is busy, retry the request")
	case errors.Is(err, ErrInvalidStatusTransition):
		response.Error(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		logger.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("wallet request failed")
		response.InternalError(w)
	}
}
