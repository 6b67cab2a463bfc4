package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/storm-beyndtech/instantglobal-server/internal/infrastructure/auth"
	"github.com/storm-beyndtech/instantglobal-server/internal/models"
	"github.com/storm-beyndtech/instantglobal-server/internal/repository"
	service "github.com/storm-beyndtech/instantglobal-server/internal/services"
	pkgerrors "github.com/storm-beyndtech/instantglobal-server/pkg/errors"
)

type Handler struct {
	accounts     service.AccountService
	ledger       service.LedgerService
	review       service.TransactionService
	payouts      service.PayoutService
	giftCards    service.GiftCardService
	virtualCards service.VirtualCardService
	contracts    service.ContractService
}

func NewHandler(
	accounts service.AccountService,
	ledger service.LedgerService,
	review service.TransactionService,
	payouts service.PayoutService,
	giftCards service.GiftCardService,
	virtualCards service.VirtualCardService,
	contracts service.ContractService,
) *Handler {
	return &Handler{
		accounts:     accounts,
		ledger:       ledger,
		review:       review,
		payouts:      payouts,
		giftCards:    giftCards,
		virtualCards: virtualCards,
		contracts:    contracts,
	}
}

type response struct {
	Success bool        `json:"success"`
	Status  int         `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Success: true, Status: status, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Success: false, Status: status, Message: err.Error()})
}

// statusFor maps domain errors to HTTP codes. Unknown errors stay 500 so an
// internal detail never leaks as a client fault.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrAccountNotFound),
		errors.Is(err, pkgerrors.ErrTransactionNotFound),
		errors.Is(err, pkgerrors.ErrGiftCardNotFound),
		errors.Is(err, pkgerrors.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrForbidden),
		errors.Is(err, pkgerrors.ErrRestrictedAccount):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrEmailExists),
		errors.Is(err, pkgerrors.ErrConflict),
		errors.Is(err, pkgerrors.ErrRequestAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, pkgerrors.ErrInsufficientFunds),
		errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrValidationFailed),
		errors.Is(err, pkgerrors.ErrAmountSignMismatch),
		errors.Is(err, pkgerrors.ErrInvalidTransactionType),
		errors.Is(err, pkgerrors.ErrInvalidTransactionStatus):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func principal(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return auth.Principal{}, pkgerrors.ErrForbidden
	}
	return p, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.ErrValidationFailed
	}
	return id, nil
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.Register).Methods("POST")
	r.HandleFunc("/login", h.Login).Methods("POST")
	r.HandleFunc("/plans", h.Plans).Methods("GET")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/accounts/{id}/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/accounts/{id}/deposits", h.RequestDeposit).Methods("POST")
	r.HandleFunc("/accounts/{id}/withdrawals", h.RequestWithdrawal).Methods("POST")
	r.HandleFunc("/transfers", h.Transfer).Methods("POST")

	r.HandleFunc("/giftcards", h.PurchaseGiftCard).Methods("POST")
	r.HandleFunc("/giftcards/redeem", h.RedeemGiftCard).Methods("POST")
	r.HandleFunc("/giftcards/{code}", h.GetGiftCard).Methods("GET")

	r.HandleFunc("/cards", h.IssueCard).Methods("POST")
	r.HandleFunc("/cards/{id}", h.GetCard).Methods("GET")
	r.HandleFunc("/cards/{id}/fund", h.FundCard).Methods("POST")
	r.HandleFunc("/cards/{id}/freeze", h.FreezeCard).Methods("POST")
	r.HandleFunc("/cards/{id}/unfreeze", h.UnfreezeCard).Methods("POST")
	r.HandleFunc("/cards/{id}/cancel", h.CancelCard).Methods("POST")

	r.HandleFunc("/contracts", h.CreateContract).Methods("POST")
}

func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/transactions/{id}/approve", h.ApproveTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}/reject", h.RejectTransaction).Methods("POST")
	r.HandleFunc("/withdrawals/{id}/process", h.ProcessWithdrawal).Methods("POST")
	r.HandleFunc("/withdrawals/process-batch", h.ProcessMassWithdrawals).Methods("POST")
	r.HandleFunc("/provider/health", h.ProviderHealth).Methods("GET")
	r.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		ReferralCode string `json:"referral_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	acc, err := h.accounts.Register(r.Context(), req.Email, req.Password, req.ReferralCode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, acc)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	token, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	acc, err := h.accounts.GetAccount(r.Context(), p, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, acc)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	available, err := h.accounts.AvailableBalance(r.Context(), p, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]decimal.Decimal{"available": available})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := repository.TransactionFilter{
		Type:   models.TransactionType(q.Get("type")),
		Status: models.TransactionStatus(q.Get("status")),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}
	page := repository.Page{}
	page.Limit, _ = strconv.Atoi(q.Get("limit"))
	page.Offset, _ = strconv.Atoi(q.Get("offset"))

	records, err := h.accounts.History(r.Context(), p, id, filter, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, records)
}

type amountRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (h *Handler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	rec, err := h.ledger.RequestDeposit(r.Context(), p, id, req.Amount, req.Currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, rec)
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		amountRequest
		Wallet models.WalletData `json:"wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	rec, err := h.ledger.RequestWithdrawal(r.Context(), p, id, req.Amount, req.Currency, req.Wallet)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, rec)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		FromAccountID int64           `json:"from_account_id"`
		ToAccountID   int64           `json:"to_account_id"`
		Amount        decimal.Decimal `json:"amount"`
		Currency      string          `json:"currency"`
		RequestID     string          `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	recID, err := h.ledger.Transfer(r.Context(), p, req.FromAccountID, req.ToAccountID, req.Amount, req.Currency, req.RequestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, map[string]int64{"transaction_id": recID})
}

func (h *Handler) PurchaseGiftCard(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		amountRequest
		Recipient int64 `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	card, err := h.giftCards.Purchase(r.Context(), p, p.AccountID, req.Amount, req.Currency, req.Recipient)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, card)
}

func (h *Handler) RedeemGiftCard(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	card, err := h.giftCards.Redeem(r.Context(), p, p.AccountID, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, card)
}

func (h *Handler) GetGiftCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.giftCards.Lookup(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, card)
}

func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		Limits   service.CardLimits `json:"limits"`
		Fee      decimal.Decimal    `json:"fee"`
		Currency string             `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	card, err := h.virtualCards.Issue(r.Context(), p, p.AccountID, req.Limits, req.Fee, req.Currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, card)
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	card, err := h.virtualCards.Get(r.Context(), p, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, card)
}

func (h *Handler) FundCard(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	card, err := h.virtualCards.Fund(r.Context(), p, id, req.Amount, req.Currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, card)
}

func (h *Handler) FreezeCard(w http.ResponseWriter, r *http.Request) {
	h.setCardStatus(w, r, h.virtualCards.Freeze)
}

func (h *Handler) UnfreezeCard(w http.ResponseWriter, r *http.Request) {
	h.setCardStatus(w, r, h.virtualCards.Unfreeze)
}

func (h *Handler) setCardStatus(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, p auth.Principal, cardID int64) error) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := op(r.Context(), p, id); err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CancelCard(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	refund, err := h.virtualCards.Cancel(r.Context(), p, id, req.Currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]decimal.Decimal{"refund": refund})
}

func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.contracts.Plans())
}

func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		AccountID int64           `json:"account_id"`
		Plan      string          `json:"plan"`
		Principal decimal.Decimal `json:"principal"`
		Currency  string          `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}
	if req.AccountID == 0 {
		req.AccountID = p.AccountID
	}

	rec, err := h.contracts.CreateContract(r.Context(), p, req.AccountID, req.Plan, req.Principal, req.Currency)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, rec)
}

func (h *Handler) ApproveTransaction(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	rec, err := h.review.Approve(r.Context(), p, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

func (h *Handler) RejectTransaction(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	rec, err := h.review.Reject(r.Context(), p, id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, rec)
}

func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.payouts.ProcessWithdrawal(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

func (h *Handler) ProcessMassWithdrawals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionIDs []int64 `json:"transaction_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}
	if len(req.TransactionIDs) == 0 {
		h.writeError(w, pkgerrors.ErrValidationFailed)
		return
	}

	results, err := h.payouts.ProcessMassWithdrawals(r.Context(), req.TransactionIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, results)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	q := r.URL.Query()
	page := repository.Page{}
	page.Limit, _ = strconv.Atoi(q.Get("limit"))
	page.Offset, _ = strconv.Atoi(q.Get("offset"))

	accounts, err := h.accounts.ListAccounts(r.Context(), p, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, accounts)
}

func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.payouts.Health(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respond(w, http.StatusOK, health)
}
