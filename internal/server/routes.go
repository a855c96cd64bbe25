package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/ingestion"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/projection"
	"SynthLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
)

// commandPaths are the POST routes, one per engine operation.
var commandPaths = []string{
	"deposit",
	"mint",
	"deposit-and-mint",
	"burn",
	"redeem",
	"redeem-for-burn",
	"liquidate",
}

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	type route struct {
		method, path, name string
		h                  runtime.HandlerFunc
	}
	routes := []route{
		{"GET", "/v1/status", "status", s.getStatus},
		{"GET", "/v1/assets", "assets", s.listAssets},
		{"GET", "/v1/assets/{asset}/value", "asset_value", s.assetValue},
		{"GET", "/v1/assets/{asset}/amount", "asset_amount", s.assetAmount},
		{"GET", "/v1/accounts/{participant}", "account", s.getAccount},
		{"GET", "/v1/accounts/{participant}/collateral/{asset}", "collateral", s.getCollateral},
		{"GET", "/v1/accounts/{participant}/balances", "balances", s.getBalances},
		{"GET", "/v1/accounts/{participant}/journal", "journal", s.getJournal},
		{"GET", "/v1/accounts/{participant}/liquidations", "account_liquidations", s.getAccountLiquidations},
		{"GET", "/v1/liquidations/recent", "recent_liquidations", s.recentLiquidations},
		{"GET", "/v1/at-risk", "at_risk", s.atRisk},
		{"POST", "/v1/admin/snapshot", "admin_snapshot", s.takeSnapshot},
		{"POST", "/v1/admin/rebuild-projections", "admin_rebuild", s.rebuildProjections},
		{"GET", "/v1/admin/event-log", "admin_event_log", s.eventLogInfo},
		{"GET", "/v1/admin/integrity", "admin_integrity", s.verifyIntegrity},
		{"POST", "/v1/admin/faucet", "admin_faucet", s.faucet},
	}
	for _, p := range commandPaths {
		routes = append(routes, route{"POST", "/v1/" + p, p, s.submitCommand(p)})
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, s.instrument(r.name, r.h)); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// --- Commands ---

type commandResponse struct {
	RequestID   string               `json:"request_id"`
	Operation   string               `json:"operation"`
	Duplicate   bool                 `json:"duplicate"`
	Sequence    int64                `json:"sequence"`
	StateHash   string               `json:"state_hash"`
	Liquidation *liquidationResponse `json:"liquidation,omitempty"`
}

type liquidationResponse struct {
	DebtCovered    string `json:"debt_covered"`
	Seized         string `json:"collateral_seized"`
	Bonus          string `json:"bonus"`
	TotalSeized    string `json:"total_seized"`
	StartingHealth string `json:"starting_health_factor"`
	EndingHealth   string `json:"ending_health_factor"`
}

func newCommandResponse(res core.Result) commandResponse {
	out := commandResponse{
		RequestID: res.RequestID,
		Operation: res.Operation,
		Duplicate: res.Duplicate,
		Sequence:  res.Sequence,
		StateHash: hex.EncodeToString(res.StateHash[:]),
	}
	if l := res.Liquidation; l != nil {
		out.Liquidation = &liquidationResponse{
			DebtCovered:    l.DebtCovered.Dec(),
			Seized:         l.Seized.Dec(),
			Bonus:          l.Bonus.Dec(),
			TotalSeized:    l.TotalSeized.Dec(),
			StartingHealth: core.FormatHealthFactor(l.StartingHealth, l.HealthDecimals),
			EndingHealth:   core.FormatHealthFactor(l.EndingHealth, l.HealthDecimals),
		}
	}
	return out
}

// submitCommand decodes a CommandRequest body and dispatches it. The
// Idempotency-Key header stands in for a missing request_id.
func (s *GRPCServer) submitCommand(op string) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		if hc := s.deps.HealthChecker; hc != nil && !hc.IsReady() {
			writeError(w, errNotReady)
			return
		}

		var req ingestion.CommandRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", ingestion.ErrMalformedCommand, err))
			return
		}
		if req.RequestID == "" {
			req.RequestID = r.Header.Get("Idempotency-Key")
		}

		cmd, err := req.ToCommand(op, s.deps.Units)
		if err != nil {
			writeError(w, err)
			return
		}

		res, err := s.deps.Dispatcher.Dispatch(r.Context(), "http", cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newCommandResponse(res))
	}
}

// --- Live views ---

type statusResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Ready     bool   `json:"ready"`
	Uptime    string `json:"uptime"`
}

func (s *GRPCServer) getStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := statusResponse{Uptime: time.Since(s.deps.StartTime).Round(time.Second).String()}
	if hc := s.deps.HealthChecker; hc != nil {
		resp.Ready = hc.IsReady()
	}
	err := s.deps.Engine.Query(r.Context(), func(e *core.Engine) error {
		h := e.StateHash()
		resp.Sequence = e.Sequence() - 1
		resp.StateHash = hex.EncodeToString(h[:])
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) listAssets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var assets []query.AssetResponse
	err := s.deps.Engine.Query(r.Context(), func(e *core.Engine) (err error) {
		assets, err = query.Assets(r.Context(), e)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *GRPCServer) assetValue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	amount, err := parseAmountParam(r, "amount")
	if err != nil {
		writeError(w, err)
		return
	}
	var resp *query.ConversionResponse
	err = s.deps.Engine.Query(r.Context(), func(e *core.Engine) (err error) {
		resp, err = query.ValueOf(r.Context(), e, params["asset"], amount)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) assetAmount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	value, err := parseAmountParam(r, "value")
	if err != nil {
		writeError(w, err)
		return
	}
	var resp *query.ConversionResponse
	err = s.deps.Engine.Query(r.Context(), func(e *core.Engine) (err error) {
		resp, err = query.AmountFromValue(r.Context(), e, params["asset"], value)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	participant, err := parseParticipant(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var resp *query.AccountResponse
	err = s.deps.Engine.Query(r.Context(), func(e *core.Engine) (err error) {
		resp, err = query.Account(r.Context(), e, participant)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) getCollateral(w http.ResponseWriter, r *http.Request, params map[string]string) {
	participant, err := parseParticipant(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var pos query.CollateralPosition
	err = s.deps.Engine.Query(r.Context(), func(e *core.Engine) error {
		asset := params["asset"]
		a, err := e.AssetInfo(asset)
		if err != nil {
			return err
		}
		amount, err := e.CollateralBalance(participant, asset)
		if err != nil {
			return err
		}
		pos = query.CollateralPosition{Asset: a.Symbol, Amount: amount.Dec(), Decimals: a.Decimals}
		if v, err := e.ValueOf(r.Context(), asset, amount); err == nil {
			pos.Value = v.Dec()
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *GRPCServer) atRisk(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var entries []query.AtRiskEntry
	err := s.deps.Engine.Query(r.Context(), func(e *core.Engine) error {
		entries = query.AtRisk(r.Context(), e)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Projections ---

func (s *GRPCServer) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.QueryService == nil {
		writeError(w, errNoProjections)
		return
	}
	participant, err := parseParticipant(params)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.QueryService.GetBalances(r.Context(), participant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *GRPCServer) getJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.QueryService == nil {
		writeError(w, errNoProjections)
		return
	}
	participant, err := parseParticipant(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, after, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), participant, limit, after)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// getAccountLiquidations reads the projection when Postgres is configured
// and the in-memory history otherwise.
func (s *GRPCServer) getAccountLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	participant, err := parseParticipant(params)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, after, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.deps.QueryService != nil {
		entries, err := s.deps.QueryService.GetLiquidationHistory(r.Context(), participant, limit, after)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	if s.deps.History == nil {
		writeError(w, errNoProjections)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.History.ByParticipant(participant, limit))
}

func (s *GRPCServer) recentLiquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []projection.LiquidationEntry{})
		return
	}
	limit, _, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.History.Recent(limit))
}

// --- Admin ---

type snapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

func (s *GRPCServer) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Snapshotter == nil {
		writeError(w, errNoProjections)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	snap, err := s.deps.Snapshotter.TakeSnapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: hex.EncodeToString(snap.StateHash),
	})
}

func (s *GRPCServer) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.DB == nil {
		writeError(w, errNoProjections)
		return
	}
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, fmt.Errorf("rebuild failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *GRPCServer) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.SnapshotMgr == nil {
		writeError(w, errNoProjections)
		return
	}
	latest, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("get latest sequence: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_sequence": latest})
}

func (s *GRPCServer) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.QueryService == nil {
		writeError(w, errNoProjections)
		return
	}
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("verify integrity: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type faucetRequest struct {
	Holder string `json:"holder"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Units  bool   `json:"units,omitempty"`
}

func (s *GRPCServer) faucet(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Faucet == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: "NotFound", Message: "faucet disabled"})
		return
	}

	var req faucetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	holder, err := uuid.Parse(req.Holder)
	if err != nil {
		writeError(w, fmt.Errorf("%w: holder: %v", errBadRequest, err))
		return
	}

	decimals, ok := s.deps.Units.Collateral[req.Token]
	if !ok {
		decimals = s.deps.Units.Debt
	}
	amount, err := fpmath.ParseAmount(req.Amount, decimals, req.Units)
	if err != nil {
		writeError(w, fmt.Errorf("%w: amount: %v", errBadRequest, err))
		return
	}
	if err := s.deps.Faucet(holder, req.Token, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"holder": holder.String(), "token": req.Token, "credited": amount.Dec()})
}

// --- Helpers ---

func parseParticipant(params map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(params["participant"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: participant: %v", errBadRequest, err)
	}
	return id, nil
}

func parseAmountParam(r *http.Request, name string) (*uint256.Int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return v, nil
}

// parsePage reads ?limit= and the exclusive ?after= sequence cursor.
func parsePage(r *http.Request) (int, *int64, error) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, nil, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		limit = n
	}
	if limit > query.MaxPageSize {
		limit = query.MaxPageSize
	}

	var after *int64
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: after must be a sequence number", errBadRequest)
		}
		after = &n
	}
	return limit, after, nil
}
