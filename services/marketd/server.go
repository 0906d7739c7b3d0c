package marketd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	marketerrors "bazaar/core/errors"
	"bazaar/core/market"
	"bazaar/core/types"
	"bazaar/gateway/middleware"
	"bazaar/native/capability"
	"bazaar/native/custody"
	"bazaar/native/escrow"
	"bazaar/native/listing"
)

const (
	headerAdminCapability    = "X-Admin-Capability"
	headerWithdrawCapability = "X-Withdraw-Capability"
	headerRequestID          = "X-Request-ID"

	maxBodyBytes     = 64 << 10
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

var errInvalidCursor = errors.New("cursor must be a non-negative integer")

// ServerConfig wires the HTTP surface to one marketplace instance.
type ServerConfig struct {
	Instance       *market.Instance[Asset]
	Events         *EventLog
	Feed           *Feed
	Auth           *middleware.Authenticator
	RateLimit      middleware.RateLimit
	OriginPatterns []string
	Logger         *slog.Logger
}

// Server exposes marketplace operations as JSON endpoints.
type Server struct {
	inst           *market.Instance[Asset]
	events         *EventLog
	feed           *Feed
	auth           *middleware.Authenticator
	limiter        *middleware.RateLimiter
	originPatterns []string
	logger         *slog.Logger
	handler        http.Handler
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Instance == nil || cfg.Events == nil || cfg.Feed == nil || cfg.Auth == nil {
		return nil, fmt.Errorf("marketd: instance, events, feed and auth are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		inst:           cfg.Instance,
		events:         cfg.Events,
		feed:           cfg.Feed,
		auth:           cfg.Auth,
		limiter:        middleware.NewRateLimiter(cfg.RateLimit, logger),
		originPatterns: cfg.OriginPatterns,
		logger:         logger.With("component", "marketd"),
	}
	s.handler = otelhttp.NewHandler(s.routes(), "marketd")
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		LogRequests: true,
		RouteName:   routePattern,
	}, s.logger)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(obs.Middleware())
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: s.originPatterns,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", headerAdminCapability, headerWithdrawCapability},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware())
			r.Get("/listings", s.handleSearchListings)
			r.Get("/listings/{id}", s.handleGetListing)
			r.Get("/escrows/{id}", s.handleGetEscrow)
			r.Get("/balances/{addr}", s.handleBalance)
			r.Get("/events", s.handleEvents)
			r.Get("/events/stream", s.handleStream)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware())
			r.Use(s.limiter.Middleware())
			r.Post("/listings", s.handleList)
			r.Delete("/listings/{id}", s.handleDelist)
			r.Post("/listings/{id}/buy", s.handleBuy)
			r.Post("/escrows", s.handleCreateEscrow)
			r.Post("/escrows/{id}/pay", s.handlePayEscrow)
			r.Post("/escrows/{id}/release", s.handleReleaseEscrow)
			r.Post("/profits/withdraw", s.handleTakeProfits)
			r.Get("/custody", s.handleHoldings)
			r.Post("/custody/collect", s.handleCollect)
		})
		// Dispute resolution is authorised by the admin capability alone.
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware())
			r.Post("/escrows/{id}/resolve", s.handleResolve)
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// Request and response bodies. Amounts travel as decimal strings and
// addresses in bech32.

type paymentBody struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (p paymentBody) payment() (types.Payment, error) {
	amount, err := types.ParseAmount(p.Amount)
	if err != nil {
		return types.Payment{}, err
	}
	return types.NewPayment(p.Currency, amount), nil
}

func paymentView(p types.Payment) paymentBody {
	return paymentBody{Currency: p.Currency, Amount: types.CloneAmount(p.Amount).String()}
}

type listRequest struct {
	Item Asset  `json:"item"`
	Ask  string `json:"ask"`
}

type buyRequest struct {
	Payment paymentBody `json:"payment"`
}

type createEscrowRequest struct {
	Item  Asset  `json:"item"`
	Price string `json:"price"`
	Buyer string `json:"buyer"`
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

type listingView struct {
	ID        string `json:"id"`
	Item      Asset  `json:"item"`
	Ask       string `json:"ask"`
	Owner     string `json:"owner"`
	Currency  string `json:"currency"`
	CreatedAt int64  `json:"createdAt"`
}

func newListingView(l listing.Listing[Asset]) listingView {
	return listingView{
		ID:        l.ID.String(),
		Item:      l.Item,
		Ask:       types.CloneAmount(l.Ask).String(),
		Owner:     l.Owner.String(),
		Currency:  l.Currency,
		CreatedAt: l.CreatedAt,
	}
}

type escrowView struct {
	ID        string       `json:"id"`
	Status    string       `json:"status"`
	Item      *Asset       `json:"item,omitempty"`
	Buyer     string       `json:"buyer,omitempty"`
	Seller    string       `json:"seller,omitempty"`
	Price     string       `json:"price,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Payment   *paymentBody `json:"payment,omitempty"`
	CreatedAt int64        `json:"createdAt,omitempty"`
}

func newEscrowView(e escrow.Escrow[Asset]) escrowView {
	item := e.Item
	view := escrowView{
		ID:        e.ID.String(),
		Status:    e.Status.String(),
		Item:      &item,
		Buyer:     e.Buyer.String(),
		Seller:    e.Seller.String(),
		Price:     types.CloneAmount(e.Price).String(),
		Currency:  e.Currency,
		CreatedAt: e.CreatedAt,
	}
	if p, ok := escrow.PaymentOf(e.Slot); ok {
		body := paymentView(p)
		view.Payment = &body
	}
	return view
}

type holdingsView struct {
	Items    []Asset       `json:"items"`
	Payments []paymentBody `json:"payments"`
}

func newHoldingsView(h custody.Holdings[Asset]) holdingsView {
	view := holdingsView{Items: h.Items, Payments: make([]paymentBody, 0, len(h.Payments))}
	if view.Items == nil {
		view.Items = []Asset{}
	}
	for _, p := range h.Payments {
		view.Payments = append(view.Payments, paymentView(p))
	}
	return view
}

// Handlers.

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"instance": s.inst.ID().String(),
		"currency": s.inst.Currency(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller := mustCaller(r)
	var req listRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Item.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ask, err := types.ParseAmount(req.Ask)
	if err != nil {
		s.writeAmountError(w, err)
		return
	}
	id, err := s.inst.List(caller, req.Item, ask)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"listingId": id.String()})
}

func (s *Server) handleSearchListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var minAsk, maxAsk *big.Int
	var owner *types.Address
	var err error
	if raw := q.Get("min"); raw != "" {
		if minAsk, err = types.ParseAmount(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if raw := q.Get("max"); raw != "" {
		if maxAsk, err = types.ParseAmount(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if raw := q.Get("owner"); raw != "" {
		addr, err := types.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		owner = &addr
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	out := make([]listingView, 0)
	for l := range s.inst.SearchListings(minAsk, maxAsk, owner) {
		out = append(out, newListingView(l))
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": out})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := listingIDParam(w, r)
	if !ok {
		return
	}
	l, err := s.inst.Listing(id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(l))
}

func (s *Server) handleDelist(w http.ResponseWriter, r *http.Request) {
	id, ok := listingIDParam(w, r)
	if !ok {
		return
	}
	item, err := s.inst.DelistAndTake(mustCaller(r), id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	id, ok := listingIDParam(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payment, err := req.Payment.payment()
	if err != nil {
		s.writeAmountError(w, err)
		return
	}
	item, err := s.inst.BuyAndTake(mustCaller(r), id, payment)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Item.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	price, err := types.ParseAmount(req.Price)
	if err != nil {
		s.writeAmountError(w, err)
		return
	}
	buyer, err := types.ParseAddress(req.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("buyer: %v", err))
		return
	}
	id, err := s.inst.CreateEscrow(mustCaller(r), req.Item, price, buyer)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"escrowId": id.String()})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	e, err := s.inst.Escrow(id)
	if err == nil {
		writeJSON(w, http.StatusOK, newEscrowView(e))
		return
	}
	if !errors.Is(err, marketerrors.ErrAlreadyResolved) {
		s.writeMarketError(w, err)
		return
	}
	status, _, err := s.inst.EscrowOutcome(id)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView{ID: id.String(), Status: status.String()})
}

func (s *Server) handlePayEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payment, err := req.Payment.payment()
	if err != nil {
		s.writeAmountError(w, err)
		return
	}
	if err := s.inst.PayToEscrow(mustCaller(r), id, payment); err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrowId": id.String(), "status": escrow.EscrowPaid.String()})
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	if err := s.inst.ReleaseEscrow(mustCaller(r), id); err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrowId": id.String(), "status": escrow.EscrowReleased.String()})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	capToken := strings.TrimSpace(r.Header.Get(headerAdminCapability))
	if capToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid_capability", "admin capability required")
		return
	}
	adminCap, err := capability.ParseAdminCap(capToken)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid_capability", "malformed admin capability")
		return
	}
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resolution, err := escrow.ParseResolution(req.Resolution)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.inst.ResolveDispute(adminCap, id, resolution); err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escrowId": id.String(), "resolution": resolution.String()})
}

func (s *Server) handleTakeProfits(w http.ResponseWriter, r *http.Request) {
	capToken := strings.TrimSpace(r.Header.Get(headerWithdrawCapability))
	if capToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid_capability", "withdraw capability required")
		return
	}
	withdrawCap, err := capability.ParseWithdrawCap(capToken)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid_capability", "malformed withdraw capability")
		return
	}
	payment, err := s.inst.TakeProfits(withdrawCap, mustCaller(r))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": paymentView(payment)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	balance, err := s.inst.Balance(addr)
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":  addr.String(),
		"currency": s.inst.Currency(),
		"balance":  balance.String(),
	})
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	h, err := s.inst.Holdings(mustCaller(r))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldingsView(h))
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	h, err := s.inst.Collect(mustCaller(r))
	if err != nil {
		s.writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newHoldingsView(h))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseCursor(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	records, err := s.events.After(r.Context(), after, limit)
	if err != nil {
		s.logger.Error("read event log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "read event log")
		return
	}
	next := after
	if len(records) > 0 {
		next = records[len(records)-1].Sequence
	}
	if records == nil {
		records = []Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records, "next": next})
}

// Helpers.

func mustCaller(r *http.Request) types.Address {
	caller, _ := middleware.CallerFromContext(r.Context())
	return caller
}

func listingIDParam(w http.ResponseWriter, r *http.Request) (types.ListingID, bool) {
	raw, err := types.ParseHash32(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid listing id")
		return types.ListingID{}, false
	}
	return types.ListingID(raw), true
}

func escrowIDParam(w http.ResponseWriter, r *http.Request) (types.EscrowID, bool) {
	raw, err := types.ParseHash32(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid escrow id")
		return types.EscrowID{}, false
	}
	return types.EscrowID(raw), true
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageLimit, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if v > maxPageLimit {
		v = maxPageLimit
	}
	return v, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusForCode maps market error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "unauthorized", "invalid_capability":
		return http.StatusForbidden
	case "amount_mismatch", "currency_mismatch", "invalid_amount", "invalid_input":
		return http.StatusUnprocessableEntity
	case "already_held", "wrong_state", "already_resolved", "empty_balance", "instance_exists":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeMarketError(w http.ResponseWriter, err error) {
	code := marketerrors.Code(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("market operation failed", "error", err)
		message = "internal error"
	}
	writeError(w, status, code, message)
}

// writeAmountError reports an unparsable amount as a bad request and an
// out-of-range one with its market code.
func (s *Server) writeAmountError(w http.ResponseWriter, err error) {
	if errors.Is(err, marketerrors.ErrInvalidAmount) {
		s.writeMarketError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, "bad_request", err.Error())
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
