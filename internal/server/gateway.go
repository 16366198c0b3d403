package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/money"
	"PredictLedger/internal/observability"
	"PredictLedger/internal/tx"
)

const maxBodyBytes = 1 << 20

// gateway serves the HTTP/JSON surface on a grpc-gateway ServeMux. Routes
// call the same LedgerService the gRPC server registers.
type gateway struct {
	svc     *LedgerService
	ledger  Ledger
	history HistoryReader
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewGatewayMux builds the HTTP mux. history and health may be nil.
func NewGatewayMux(svc *LedgerService, history HistoryReader, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) (*runtime.ServeMux, error) {
	g := &gateway{
		svc:     svc,
		ledger:  svc.ledger,
		history: history,
		health:  health,
		metrics: metrics,
		log:     log,
	}

	mux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingError))

	routes := []struct {
		method, pattern, endpoint string
		handle                    func(*http.Request, map[string]string) (any, error)
	}{
		{"POST", "/v1/transactions", "submit_transaction", g.submitTransaction},
		{"POST", "/v1/wallets", "connect_wallet", g.connectWallet},
		{"GET", "/v1/accounts/{address}", "get_account", g.getAccount},
		{"GET", "/v1/accounts/{address}/balance", "get_balance", g.getBalance},
		{"GET", "/v1/accounts/{address}/nonce", "get_nonce", g.getNonce},
		{"GET", "/v1/accounts/{address}/recipes", "get_recipes", g.getRecipes},
		{"GET", "/v1/resolve/{name}", "resolve", g.resolve},
		{"GET", "/v1/markets", "list_markets", g.listMarkets},
		{"GET", "/v1/markets/{market_id}", "get_market", g.getMarket},
		{"GET", "/v1/leaderboard", "leaderboard", g.leaderboard},
		{"GET", "/v1/receipts/{digest}", "get_receipt", g.getReceipt},
		{"GET", "/v1/history/{address}", "history", g.getHistory},
		{"GET", "/v1/projections/balances/{address}", "projected_balance", g.projectedBalance},
		{"GET", "/v1/projections/markets/{market_id}", "market_stats", g.marketStats},
		{"GET", "/v1/integrity", "integrity", g.integrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.instrument(rt.endpoint, rt.handle)); err != nil {
			return nil, err
		}
	}

	if err := mux.HandlePath("GET", "/healthz", g.liveness); err != nil {
		return nil, err
	}
	if err := mux.HandlePath("GET", "/readyz", g.readiness); err != nil {
		return nil, err
	}
	return mux, nil
}

func (g *gateway) instrument(endpoint string, handle func(*http.Request, map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := handle(r, params)

		code := http.StatusOK
		if err != nil {
			code = HTTPStatus(err)
			writeJSON(w, code, errorBody(err))
			if code >= http.StatusInternalServerError {
				g.log.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		} else {
			writeJSON(w, code, resp)
		}

		if g.metrics != nil {
			g.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			g.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				g.metrics.QueryErrors.WithLabelValues(endpoint, errorCode(err)).Inc()
			}
		}
	}
}

// --- handlers ---

func (g *gateway) submitTransaction(r *http.Request, _ map[string]string) (any, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	env, err := tx.ParseEnvelope(body)
	if err != nil {
		return nil, err
	}
	return g.svc.SubmitTransaction(r.Context(), env)
}

func (g *gateway) connectWallet(r *http.Request, _ map[string]string) (any, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var req ConnectWalletRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.New(apperr.CodeValidation, "wallet request: %v", err)
	}
	return g.svc.ConnectWallet(r.Context(), &req)
}

func (g *gateway) getBalance(r *http.Request, p map[string]string) (any, error) {
	return g.svc.GetBalance(r.Context(), &AccountRequest{Address: p["address"]})
}

func (g *gateway) getAccount(_ *http.Request, p map[string]string) (any, error) {
	addr, err := g.ledger.Resolve(p["address"])
	if err != nil {
		return nil, err
	}
	acct, ok := g.ledger.GetAccount(addr)
	if !ok {
		return nil, apperr.New(apperr.CodeUnknownAccount, "no account %s", addr)
	}
	return map[string]any{
		"account":        acct,
		"balance":        money.Amount(g.ledger.GetBalance(addr)),
		"nonce":          g.ledger.GetNonce(addr),
		"as_of_sequence": g.ledger.Sequence(),
	}, nil
}

func (g *gateway) getNonce(r *http.Request, p map[string]string) (any, error) {
	return g.svc.GetNonce(r.Context(), &AccountRequest{Address: p["address"]})
}

func (g *gateway) getRecipes(_ *http.Request, p map[string]string) (any, error) {
	addr, err := g.svc.address(p["address"])
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":        addr,
		"recipes":        g.ledger.Recipes(addr),
		"as_of_sequence": g.ledger.Sequence(),
	}, nil
}

func (g *gateway) resolve(_ *http.Request, p map[string]string) (any, error) {
	addr, err := g.ledger.Resolve(p["name"])
	if err != nil {
		return nil, err
	}
	return map[string]string{"name": p["name"], "address": addr}, nil
}

func (g *gateway) listMarkets(_ *http.Request, _ map[string]string) (any, error) {
	return map[string]any{
		"markets":        g.ledger.ListMarkets(),
		"as_of_sequence": g.ledger.Sequence(),
	}, nil
}

func (g *gateway) getMarket(r *http.Request, p map[string]string) (any, error) {
	return g.svc.GetMarket(r.Context(), &MarketRequest{MarketID: p["market_id"]})
}

func (g *gateway) leaderboard(r *http.Request, _ map[string]string) (any, error) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"markets":        g.ledger.Leaderboard(limit),
		"as_of_sequence": g.ledger.Sequence(),
	}, nil
}

func (g *gateway) getReceipt(r *http.Request, p map[string]string) (any, error) {
	return g.ledger.LookupReceipt(r.Context(), p["digest"])
}

func (g *gateway) getHistory(r *http.Request, p map[string]string) (any, error) {
	if g.history == nil {
		return nil, errHistoryUnavailable
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	addr, err := g.svc.address(p["address"])
	if err != nil {
		return nil, err
	}
	return g.history.History(r.Context(), addr, limit, r.URL.Query().Get("cursor"))
}

func (g *gateway) projectedBalance(r *http.Request, p map[string]string) (any, error) {
	if g.history == nil {
		return nil, errHistoryUnavailable
	}
	addr, err := g.svc.address(p["address"])
	if err != nil {
		return nil, err
	}
	return g.history.ProjectedBalance(r.Context(), addr)
}

func (g *gateway) marketStats(r *http.Request, p map[string]string) (any, error) {
	if g.history == nil {
		return nil, errHistoryUnavailable
	}
	return g.history.MarketStats(r.Context(), p["market_id"])
}

// integrity reports audit-log gaps and projection imbalance.
func (g *gateway) integrity(r *http.Request, _ map[string]string) (any, error) {
	if g.history == nil {
		return nil, errHistoryUnavailable
	}
	return g.history.VerifyIntegrity(r.Context())
}

func (g *gateway) liveness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	g.health.LivenessHandler(w, r)
}

func (g *gateway) readiness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	g.health.ReadinessHandler(w, r)
}

// --- helpers ---

var errHistoryUnavailable = unavailableError("persisted history requires postgres")

type unavailableError string

func (e unavailableError) Error() string { return string(e) }

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apperr.New(apperr.CodeMalformedPayload, "read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, apperr.New(apperr.CodeMalformedPayload, "body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.CodeValidation, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, code int) {
	writeJSON(w, code, ErrorBody{
		Code:    http.StatusText(code),
		Message: r.Method + " " + r.URL.Path,
	})
}

func isUnavailable(err error) bool {
	var u unavailableError
	return errors.As(err, &u)
}
