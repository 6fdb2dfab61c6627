package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/order"
	"github.com/example/ride-dispatch/internal/wallet"
)

type Deps struct {
	Orders    *order.Service
	Dispatch  *dispatch.Coordinator
	Ledger    *wallet.Ledger
	Hub       *notify.Hub
	Locations ingest.Publisher
	Logger    *slog.Logger
	// BaseContext outlives requests; background dispatches run under it.
	BaseContext context.Context
}

type Server struct {
	orders    *order.Service
	dispatch  *dispatch.Coordinator
	ledger    *wallet.Ledger
	hub       *notify.Hub
	locations ingest.Publisher
	logger    *slog.Logger
	base      context.Context
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	base := d.BaseContext
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		orders:    d.Orders,
		dispatch:  d.Dispatch,
		ledger:    d.Ledger,
		hub:       d.Hub,
		locations: d.Locations,
		logger:    d.Logger,
		base:      base,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/coupon", s.handleApplyCoupon).Methods("POST")
	api.HandleFunc("/orders/{id}/offers", s.handleOfferAttempts).Methods("GET")
	api.HandleFunc("/orders/{id}/dispatch", s.handleRedispatch).Methods("POST")
	api.HandleFunc("/payments/confirm", s.handleConfirmPayment).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/offers/{order_id}", s.handleRespondToOffer).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/orders/{order_id}/{action:arrive|start|complete}", s.handleTripAction).Methods("POST")
	api.HandleFunc("/wallets/{account_id}", s.handleWallet).Methods("GET")
	api.HandleFunc("/wallets/{account_id}/adjustments", s.handleAdjust).Methods("POST")
	api.HandleFunc("/wallets/{account_id}/withdrawals", s.handleWithdraw).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{channel}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	o, err := s.orders.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.dispatch.Start(s.base, o.ID)
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelBody struct {
	Actor    order.Actor `json:"actor"`
	ActorID  string      `json:"actor_id"`
	DriverID string      `json:"driver_id"`
	ReasonID *string     `json:"reason_id"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !s.decode(w, r, &body) {
		return
	}
	actorID := body.ActorID
	if body.Actor == order.ActorDriver && actorID == "" {
		actorID = body.DriverID
	}
	o, err := s.orders.Cancel(r.Context(), order.CancelRequest{
		OrderID:  mux.Vars(r)["id"],
		Actor:    body.Actor,
		ActorID:  actorID,
		ReasonID: body.ReasonID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID string `json:"customer_id"`
		Code       string `json:"code"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	o, err := s.orders.ApplyCoupon(r.Context(), mux.Vars(r)["id"], body.CustomerID, body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOfferAttempts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.orders.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	attempts := s.dispatch.Attempts(id)
	if attempts == nil {
		attempts = []dispatch.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "attempts": attempts, "active": s.dispatch.Active(id)})
}

// handleRedispatch restarts the search for an order left waiting, e.g. by a
// restart that interrupted its dispatch.
func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.dispatch.Redispatch(s.base, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"order_id": id, "active": true})
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var res order.PaymentResult
	if !s.decode(w, r, &res) {
		return
	}
	o, err := s.orders.ConfirmPayment(r.Context(), res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRespondToOffer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Accept bool `json:"accept"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	vars := mux.Vars(r)
	if err := s.dispatch.RespondToOffer(r.Context(), vars["order_id"], vars["driver_id"], body.Accept); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": vars["order_id"], "accepted": body.Accept})
}

func (s *Server) handleTripAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		o   *models.Order
		err error
	)
	switch vars["action"] {
	case "arrive":
		o, err = s.orders.Arrive(r.Context(), vars["order_id"], vars["driver_id"])
	case "start":
		o, err = s.orders.Start(r.Context(), vars["order_id"], vars["driver_id"])
	default:
		o, err = s.orders.Complete(r.Context(), vars["order_id"], vars["driver_id"])
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if !s.decode(w, r, &d) {
		return
	}
	if err := ingest.Validate(d); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.locations.Publish(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	acct := mux.Vars(r)["account_id"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.New(apperr.ErrBadRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	bal, err := s.ledger.Balance(r.Context(), acct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.ledger.Transactions(r.Context(), acct, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": acct, "balance": bal, "transactions": txs})
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type        models.TransactionType `json:"type"`
		Amount      decimal.Decimal        `json:"amount"`
		Description string                 `json:"description"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tx, err := s.ledger.Adjust(r.Context(), mux.Vars(r)["account_id"], body.Type, body.Amount, body.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount      decimal.Decimal `json:"amount"`
		Destination string          `json:"destination"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	tx, wd, err := s.ledger.Withdraw(r.Context(), mux.Vars(r)["account_id"], body.Amount, body.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx, "withdrawal": wd})
}

var upgrader = websocket.Upgrader{}

func validChannel(ch string) bool {
	if ch == string(notify.Admins) {
		return true
	}
	for _, p := range []string{"rider:", "driver:", "order:"} {
		if strings.HasPrefix(ch, p) && len(ch) > len(p) {
			return true
		}
	}
	return false
}

// handleWS subscribes the connection to one channel until the client goes
// away. Inbound frames are read and discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ch := mux.Vars(r)["channel"]
	if !validChannel(ch) {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "channel", ch, "error", err)
		return
	}
	unsubscribe := s.hub.Add(notify.Channel(ch), conn)
	defer func() {
		unsubscribe()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrBadRequest):
		return http.StatusBadRequest
	case apperr.IsPolicy(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.requestLogger(r).Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
