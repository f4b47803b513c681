package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"courierpay/auth"
	"courierpay/dispute"
	"courierpay/escrow"
	"courierpay/gateway"
	"courierpay/order"
	"courierpay/ratelimit"
	"courierpay/wallet"
)

const maxWebhookBody = 1 << 20

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

type orderService interface {
	Create(ctx context.Context, params order.CreateParams) (order.Order, error)
	Get(ctx context.Context, id string) (order.Order, error)
	AssignDriver(ctx context.Context, orderID, driverID string) (order.Order, error)
	ConfirmDelivery(ctx context.Context, orderID, driverID string) (order.Order, error)
}

type paymentService interface {
	InitiatePayment(ctx context.Context, params escrow.InitiateParams, customerEmail string) (escrow.InitiateResult, error)
	HandleGatewayEvent(ctx context.Context, ev gateway.Event) error
	Release(ctx context.Context, id string, trigger escrow.ReleaseTrigger, actorID *string) (escrow.Transaction, error)
}

type disputeService interface {
	File(ctx context.Context, escrowID, filedBy string, dtype dispute.Type, reason string) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, error)
	ListForUser(ctx context.Context, userID string) ([]dispute.Record, error)
	StartInvestigation(ctx context.Context, id string) (dispute.Record, error)
	Resolve(ctx context.Context, id string, resolution dispute.Resolution, adminID string) (dispute.Record, error)
	Close(ctx context.Context, id string) (dispute.Record, error)
}

type walletService interface {
	Statement(ctx context.Context, userID string, limit int) (wallet.Wallet, []wallet.Entry, error)
	RequestPayout(ctx context.Context, merchantID string, amount decimal.Decimal) (wallet.Payout, error)
}

// Server holds the HTTP surface. Middleware order matters: auth resolves the
// identity first so the rate limiter can key authenticated traffic by user id.
type Server struct {
	authService    authService
	orderService   orderService
	paymentService paymentService
	disputeService disputeService
	walletService  walletService

	webhookSecret string
	limiterStore  ratelimit.CounterStore
}

// Routes assembles the mux wrapped in the middleware chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/orders/", s.handleOrder)
	mux.HandleFunc("/api/payments/initiate", s.handleInitiatePayment)
	mux.HandleFunc("/api/webhooks/gateway", s.handleGatewayWebhook)
	mux.HandleFunc("/api/disputes", s.handleDisputes)
	mux.HandleFunc("/api/disputes/", s.handleDispute)
	mux.HandleFunc("/api/escrow/", s.handleEscrow)
	mux.HandleFunc("/api/wallet", s.handleWallet)
	mux.HandleFunc("/api/wallet/payouts", s.handlePayouts)

	limited := ratelimit.Middleware(ratelimit.Options{
		Store:    s.limiterStore,
		Identify: identify,
	})(mux)

	return auth.Middleware(s.authService)(limited)
}

func identify(r *http.Request) (string, string) {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id.UserID, string(id.Role)
	}
	return ratelimit.DefaultIdentify(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, auth.ErrDuplicateEmail):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.serverError(w, "register", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.serverError(w, "login", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

type orderResponse struct {
	ID             string  `json:"id"`
	CustomerID     string  `json:"customerId"`
	MerchantID     string  `json:"merchantId"`
	DriverID       *string `json:"driverId,omitempty"`
	Total          string  `json:"total"`
	PaymentStatus  string  `json:"paymentStatus"`
	DeliveryStatus string  `json:"deliveryStatus"`
	CreatedAt      string  `json:"createdAt"`
}

func toOrderResponse(o order.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		CustomerID:     o.CustomerID,
		MerchantID:     o.MerchantID,
		DriverID:       o.DriverID,
		Total:          o.Total.String(),
		PaymentStatus:  string(o.PaymentStatus),
		DeliveryStatus: string(o.DeliveryStatus),
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := auth.RequireRole(w, r, auth.RoleConsumer)
	if !ok {
		return
	}

	var body struct {
		MerchantID string `json:"merchant_id"`
		Total      string `json:"total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	total, err := decimal.NewFromString(body.Total)
	if err != nil {
		http.Error(w, "invalid total", http.StatusBadRequest)
		return
	}

	rec, err := s.orderService.Create(r.Context(), order.CreateParams{
		CustomerID: id.UserID,
		MerchantID: body.MerchantID,
		Total:      total,
	})
	if err != nil {
		s.serverError(w, "create order", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(rec))
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	if rest == "" {
		http.Error(w, "order id required", http.StatusBadRequest)
		return
	}

	orderID, action, _ := strings.Cut(rest, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getOrder(w, r, orderID)
	case action == "assign" && r.Method == http.MethodPost:
		s.assignDriver(w, r, orderID)
	case action == "delivered" && r.Method == http.MethodPost:
		s.confirmDelivery(w, r, orderID)
	case action == "":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	id, ok := auth.RequireIdentity(w, r)
	if !ok {
		return
	}

	rec, err := s.orderService.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.serverError(w, "get order", err)
		return
	}

	if id.Role != auth.RoleAdmin && id.UserID != rec.CustomerID && id.UserID != rec.MerchantID &&
		(rec.DriverID == nil || id.UserID != *rec.DriverID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(rec))
}

func (s *Server) assignDriver(w http.ResponseWriter, r *http.Request, orderID string) {
	id, ok := auth.RequireIdentity(w, r)
	if !ok {
		return
	}
	if id.Role != auth.RoleMerchant && id.Role != auth.RoleAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}

	rec, err := s.orderService.AssignDriver(r.Context(), orderID, body.DriverID)
	if err != nil {
		if errors.Is(err, order.ErrBadStatus) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.serverError(w, "assign driver", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(rec))
}

func (s *Server) confirmDelivery(w http.ResponseWriter, r *http.Request, orderID string) {
	id, ok := auth.RequireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}

	rec, err := s.orderService.ConfirmDelivery(r.Context(), orderID, id.UserID)
	if err != nil {
		if errors.Is(err, order.ErrBadStatus) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.serverError(w, "confirm delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(rec))
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := auth.RequireRole(w, r, auth.RoleConsumer)
	if !ok {
		return
	}

	var body struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OrderID == "" {
		http.Error(w, "order_id required", http.StatusBadRequest)
		return
	}

	rec, err := s.orderService.Get(r.Context(), body.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.serverError(w, "load order", err)
		return
	}
	if rec.CustomerID != id.UserID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if rec.PaymentStatus != order.PaymentUnpaid && rec.PaymentStatus != order.PaymentFailed {
		http.Error(w, "order already paid", http.StatusConflict)
		return
	}

	user, err := s.authService.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		s.serverError(w, "load customer", err)
		return
	}

	result, err := s.paymentService.InitiatePayment(r.Context(), escrow.InitiateParams{
		OrderID:    rec.ID,
		CustomerID: rec.CustomerID,
		MerchantID: rec.MerchantID,
		Amount:     rec.Total,
	}, user.Email)
	if err != nil {
		s.serverError(w, "initiate payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"transactionId": result.Transaction.ID,
		"reference":     result.Transaction.PaymentReference,
		"checkoutUrl":   result.CheckoutURL,
	})
}

// handleGatewayWebhook is exempt from auth; the HMAC signature is the
// authentication. Returning non-2xx makes the gateway redeliver, so only
// retryable failures do that.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := gateway.VerifySignature(s.webhookSecret, body, r.Header.Get(gateway.SignatureHeader)); err != nil {
		log.Printf("webhook: signature rejected from %s", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := gateway.ParseEvent(body)
	if err != nil {
		log.Printf("webhook: malformed payload: %v", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if err := s.paymentService.HandleGatewayEvent(r.Context(), ev); err != nil {
		if errors.Is(err, escrow.ErrAmountMismatch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.serverError(w, "handle gateway event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type disputeResponse struct {
	ID         string  `json:"id"`
	EscrowID   string  `json:"escrowId"`
	FiledBy    string  `json:"filedBy"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Resolution *string `json:"resolution,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:        d.ID,
		EscrowID:  d.EscrowID,
		FiledBy:   d.FiledBy,
		Type:      string(d.Type),
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
	if d.Resolution != nil {
		res := string(*d.Resolution)
		resp.Resolution = &res
	}
	return resp
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.RequireIdentity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		records, err := s.disputeService.ListForUser(r.Context(), id.UserID)
		if err != nil {
			s.serverError(w, "list disputes", err)
			return
		}
		out := make([]disputeResponse, 0, len(records))
		for _, rec := range records {
			out = append(out, toDisputeResponse(rec))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body struct {
			EscrowID string `json:"escrow_id"`
			Type     string `json:"type"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.EscrowID == "" {
			http.Error(w, "escrow_id required", http.StatusBadRequest)
			return
		}

		rec, err := s.disputeService.File(r.Context(), body.EscrowID, id.UserID, dispute.Type(body.Type), body.Reason)
		if err != nil {
			switch {
			case errors.Is(err, dispute.ErrForbidden):
				http.Error(w, "forbidden", http.StatusForbidden)
			case errors.Is(err, escrow.ErrInvalidTransition):
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.Is(err, escrow.ErrNotFound):
				http.NotFound(w, r)
			default:
				s.serverError(w, "file dispute", err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	if rest == "" {
		http.Error(w, "dispute id required", http.StatusBadRequest)
		return
	}
	disputeID, action, _ := strings.Cut(rest, "/")

	if action == "" && r.Method == http.MethodGet {
		s.getDispute(w, r, disputeID)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := auth.RequireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	var (
		rec dispute.Record
		err error
	)
	switch action {
	case "investigate":
		rec, err = s.disputeService.StartInvestigation(r.Context(), disputeID)
	case "resolve":
		var body struct {
			Resolution string `json:"resolution"`
		}
		if decErr := json.NewDecoder(r.Body).Decode(&body); decErr != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		rec, err = s.disputeService.Resolve(r.Context(), disputeID, dispute.Resolution(body.Resolution), id.UserID)
	case "close":
		rec, err = s.disputeService.Close(r.Context(), disputeID)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, dispute.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, dispute.ErrBadStatus), errors.Is(err, escrow.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.serverError(w, "dispute "+action, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	id, ok := auth.RequireIdentity(w, r)
	if !ok {
		return
	}

	rec, err := s.disputeService.Get(r.Context(), disputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.serverError(w, "get dispute", err)
		return
	}
	if id.Role != auth.RoleAdmin && rec.FiledBy != id.UserID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/escrow/")
	escrowID, action, _ := strings.Cut(rest, "/")
	if escrowID == "" {
		http.Error(w, "escrow id required", http.StatusBadRequest)
		return
	}
	if action != "release" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	id, ok := auth.RequireRole(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	rec, err := s.paymentService.Release(r.Context(), escrowID, escrow.TriggerAdminOverride, &id.UserID)
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, escrow.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.serverError(w, "release escrow", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transactionId": rec.ID,
		"status":        string(rec.Status),
	})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := auth.RequireIdentity(w, r)
	if !ok {
		return
	}

	wlt, entries, err := s.walletService.Statement(r.Context(), id.UserID, 50)
	if err != nil {
		if errors.Is(err, wallet.ErrWalletNotFound) {
			http.NotFound(w, r)
			return
		}
		s.serverError(w, "wallet statement", err)
		return
	}

	type entryResponse struct {
		Amount    string `json:"amount"`
		Reference string `json:"reference"`
		Reason    string `json:"reason"`
		CreatedAt string `json:"createdAt"`
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			Amount:    e.Amount.String(),
			Reference: e.Reference,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": wlt.Balance.String(),
		"entries": out,
	})
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := auth.RequireRole(w, r, auth.RoleMerchant)
	if !ok {
		return
	}

	var body struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || !amount.IsPositive() {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	payout, err := s.walletService.RequestPayout(r.Context(), id.UserID, amount)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.serverError(w, "request payout", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"payoutId":  payout.ID,
		"reference": payout.Reference,
		"status":    string(payout.Status),
	})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("http: %s: %v", op, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
