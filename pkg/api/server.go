package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/engine"
)

const defaultDepth = 20

// Server exposes the matching engine over REST and streams market data over
// WebSocket. It holds the engine explicitly; there is no process-global.
type Server struct {
	engine *engine.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(eng *engine.Engine, log *zap.Logger) *Server {
	s := &Server{
		engine: eng,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()

	// Market-data fanout: the engine calls this hook after every mutating
	// operation, outside handler-visible state.
	eng.SetUpdateHook(func(snapshot core.Snapshot, trades []*core.Trade) {
		s.hub.BroadcastToChannel("orderbook", WSMessage{Channel: "orderbook", Data: snapshot})
		for _, t := range trades {
			s.hub.BroadcastToChannel("trades", WSMessage{Channel: "trades", Data: TradeEvent{
				TradeID:   t.TradeID,
				Price:     t.Price,
				Quantity:  t.Quantity,
				Timestamp: t.Timestamp,
			}})
		}
	})
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/orderbook/{base}/{quote}", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/admin/clear_cache", s.handleClearCache).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving HTTP on addr. TLS termination is the deployment's
// concern; the engine itself binds plain HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// statusForKind is the single place error kinds become HTTP statuses.
func statusForKind(kind core.Kind) int {
	switch kind {
	case core.KindClientInput:
		return http.StatusBadRequest
	case core.KindAuthFailure:
		return http.StatusUnauthorized
	case core.KindDuplicateOrderID:
		return http.StatusConflict
	case core.KindPairNotSupported, core.KindInsufficientFunds,
		core.KindFOKUnfillable, core.KindMarketUnfillable:
		return http.StatusUnprocessableEntity
	case core.KindSettlementFailed:
		return http.StatusBadGateway
	case core.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindNotOwner:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		s.log.Error("internal error crossed the handler boundary", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, ErrorResponse{Detail: "internal error"})
		return
	}
	s.respondJSON(w, statusForKind(kind), ErrorResponse{Detail: err.Error()})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, core.Wrap(core.KindClientInput, err, "invalid JSON body"))
		return
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}
	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	order := &core.Order{
		OrderID:     orderID,
		UserAddress: req.UserAddress,
		AssetPair:   req.AssetPair,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Price:       req.Price,
		Quantity:    req.Quantity,
		TimeInForce: req.TimeInForce,
		Timestamp:   timestamp,
		Expiration:  req.Expiration,
		Signature:   req.Signature,
	}

	result, err := s.engine.Submit(r.Context(), order)
	if err != nil {
		s.respondError(w, err)
		return
	}

	// A settlement failure is never silent: the response carries per-trade
	// settlement status and the request is answered 502.
	status := http.StatusOK
	for _, t := range result.Trades {
		if t.SettlementStatus == core.SettlementFailed {
			status = http.StatusBadGateway
			break
		}
	}
	trades := result.Trades
	if trades == nil {
		trades = []*core.Trade{}
	}
	s.respondJSON(w, status, SubmitOrderResponse{
		OrderID: result.Order.OrderID,
		Status:  string(result.Order.Status),
		Trades:  trades,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	order, err := s.engine.GetOrder(orderID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	order.Signature = "" // never echo signatures
	s.respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req core.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, core.Wrap(core.KindClientInput, err, "invalid JSON body"))
		return
	}
	if pathID := mux.Vars(r)["id"]; req.OrderID != "" && req.OrderID != pathID {
		s.respondError(w, core.Errorf(core.KindClientInput, "order id in body does not match path"))
		return
	} else if req.OrderID == "" {
		req.OrderID = pathID
	}

	if err := s.engine.Cancel(&req); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	depth := defaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			depth = d
		}
	}
	s.respondJSON(w, http.StatusOK, s.engine.Snapshot(depth))
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	userAddress := r.URL.Query().Get("user_address")
	token := r.URL.Query().Get("token")
	if userAddress == "" || token == "" {
		s.respondError(w, core.Errorf(core.KindClientInput, "user_address and token are required"))
		return
	}

	contractID, raw, err := s.engine.Balance(r.Context(), userAddress, token)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, BalanceResponse{
		UserAddress: userAddress,
		Asset:       token,
		ContractID:  contractID,
		Balance:     core.FromStroops(raw).String(),
		BalanceRaw:  raw,
		Cached:      true,
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearCache()
	s.log.Info("vault cache cleared by admin request")
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }
