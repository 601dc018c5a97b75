// Package trade exposes the engine over HTTP. Every instruction runs in its
// own state scope which is committed to the store only if the instruction
// succeeds; committed instructions are journaled and broadcast.
//
// All amounts on the wire are decimal strings of ledger units.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/ledger"
	"github.com/atmx/hubswap-engine/internal/metrics"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/omnipool"
	"github.com/atmx/hubswap-engine/internal/stableswap"
	"github.com/atmx/hubswap-engine/internal/state"
	"github.com/atmx/hubswap-engine/internal/store"
	"github.com/atmx/hubswap-engine/internal/subpools"
)

// Params configure the pools built for each instruction.
type Params struct {
	HubAsset    model.AssetID
	AssetFee    fixed.Permill
	ProtocolFee fixed.Permill
	Block       stableswap.BlockFunc
}

// Service executes instructions. Uses a mutex for serialized execution
// (single-instance): each instruction sees the state committed by the
// previous one.
type Service struct {
	store  store.Store
	params Params
	mu     sync.Mutex
	wsHub  *WSHub // optional
	log    *zap.Logger
	now    func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, params Params, hub *WSHub, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:  st,
		params: params,
		wsHub:  hub,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// components are the collaborators of one instruction, all writing to the
// same scope.
type components struct {
	scope    *state.Scope
	ledger   *ledger.Ledger
	hub      *omnipool.Pool
	stable   *stableswap.Pools
	registry *subpools.Registry
	engine   *subpools.Engine
}

func (s *Service) open() components {
	scope := state.NewScope(s.store)
	l := ledger.New(scope, s.log)
	hub := omnipool.New(scope, l, omnipool.Params{
		HubAsset:    s.params.HubAsset,
		AssetFee:    s.params.AssetFee,
		ProtocolFee: s.params.ProtocolFee,
	}, s.log)
	stable := stableswap.NewPools(scope, l, s.params.Block, s.log)
	reg := subpools.NewRegistry(scope)
	return components{
		scope:    scope,
		ledger:   l,
		hub:      hub,
		stable:   stable,
		registry: reg,
		engine: subpools.New(subpools.Deps{
			Ledger:   l,
			Hub:      hub,
			Stable:   stable,
			Registry: reg,
			Scope:    scope,
			Log:      s.log,
		}),
	}
}

// execute runs fn in a fresh scope and commits its writes. The returned
// receipt is journaled; fn fills everything but the id, kind and time.
func (s *Service) execute(ctx context.Context, kind string, fn func(c components) (model.Receipt, error)) (model.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	c := s.open()
	rcpt, err := fn(c)
	if err == nil {
		err = c.scope.Commit(ctx)
	}
	metrics.InstructionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		c.scope.Discard()
		if errors.Is(err, stableswap.ErrNoConvergence) {
			metrics.SolverNonConvergence.Inc()
		}
		metrics.InstructionsTotal.WithLabelValues(kind, "", outcome(err)).Inc()
		s.log.Warn("instruction failed", zap.String("kind", kind), zap.String("account", string(rcpt.Account)), zap.Error(err))
		return model.Receipt{}, err
	}

	rcpt.ID = uuid.New().String()
	rcpt.Kind = kind
	rcpt.Timestamp = s.now()
	if err := s.store.InsertReceipt(ctx, &rcpt); err != nil {
		// the state is already committed; the journal entry is lost
		s.log.Error("journal insert failed", zap.String("receipt", rcpt.ID), zap.Error(err))
	}
	metrics.InstructionsTotal.WithLabelValues(kind, string(rcpt.Route), "ok").Inc()

	s.log.Info("instruction committed",
		zap.String("receipt", rcpt.ID),
		zap.String("kind", kind),
		zap.String("account", string(rcpt.Account)),
		zap.String("route", string(rcpt.Route)),
		zap.Uint32("asset_in", uint32(rcpt.AssetIn)),
		zap.Uint32("asset_out", uint32(rcpt.AssetOut)),
		zap.Stringer("amount_in", rcpt.AmountIn),
		zap.Stringer("amount_out", rcpt.AmountOut),
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "instruction_committed",
			ReceiptID: rcpt.ID,
			Kind:      kind,
			Account:   string(rcpt.Account),
			Route:     string(rcpt.Route),
			AssetIn:   uint32(rcpt.AssetIn),
			AssetOut:  uint32(rcpt.AssetOut),
			AmountIn:  rcpt.AmountIn.String(),
			AmountOut: rcpt.AmountOut.String(),
		})
	}
	return rcpt, nil
}

// query runs fn over a scope that is always discarded. It holds the
// instruction lock so a read never straddles a commit.
func (s *Service) query(fn func(c components) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.open()
	defer c.scope.Discard()
	return fn(c)
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /sell and POST /buy. Amount is
// what is sold or bought; Limit is the minimum out for a sell and the
// maximum in for a buy.
type TradeRequest struct {
	Account  model.AccountID `json:"account"`
	AssetIn  model.AssetID   `json:"asset_in"`
	AssetOut model.AssetID   `json:"asset_out"`
	Amount   fixed.Uint      `json:"amount"`
	Limit    fixed.Uint      `json:"limit"`
}

type AddLiquidityRequest struct {
	Account model.AccountID `json:"account"`
	Asset   model.AssetID   `json:"asset"`
	Amount  fixed.Uint      `json:"amount"`
	// Only read by POST /liquidity/stable.
	MintShareToken bool `json:"mint_share_token"`
}

type RemoveLiquidityRequest struct {
	Account       model.AccountID  `json:"account"`
	PositionID    model.PositionID `json:"position_id"`
	Shares        fixed.Uint       `json:"shares"`
	WithdrawAsset *model.AssetID   `json:"withdraw_asset,omitempty"`
}

type CreateSubpoolRequest struct {
	Account       model.AccountID `json:"account"`
	ShareAsset    model.AssetID   `json:"share_asset"`
	AssetA        model.AssetID   `json:"asset_a"`
	AssetB        model.AssetID   `json:"asset_b"`
	WeightCap     fixed.Permill   `json:"weight_cap"`
	Amplification uint64          `json:"amplification"`
	TradeFee      fixed.Permill   `json:"trade_fee"`
	WithdrawFee   fixed.Permill   `json:"withdraw_fee"`
}

type MigrateRequest struct {
	Account model.AccountID `json:"account"`
	Asset   model.AssetID   `json:"asset"`
}

// RegisterAssetRequest lists a new asset in the hub pool. Amount is taken
// from Owner, who receives the first position.
type RegisterAssetRequest struct {
	Asset    model.AssetID   `json:"asset"`
	Symbol   string          `json:"symbol"`
	Decimals uint8           `json:"decimals"`
	Amount   fixed.Uint      `json:"amount"`
	Price    decimal.Decimal `json:"price"` // hub asset units per asset unit
	Cap      fixed.Permill   `json:"cap"`
	Owner    model.AccountID `json:"owner"`
}

type MintRequest struct {
	Account model.AccountID `json:"account"`
	Asset   model.AssetID   `json:"asset"`
	Amount  fixed.Uint      `json:"amount"`
}

// TradabilityRequest replaces the capabilities of an asset in the hub pool,
// or in stable pool Pool when set.
type TradabilityRequest struct {
	Asset        model.AssetID      `json:"asset"`
	Pool         *model.AssetID     `json:"pool,omitempty"`
	Capabilities []model.Capability `json:"capabilities"`
}

type AmplificationRequest struct {
	Final      uint64 `json:"final"`
	FinalBlock uint64 `json:"final_block"`
}

// InstructionResponse is returned by every state-changing endpoint.
type InstructionResponse struct {
	ReceiptID string `json:"receipt_id"`
	subpools.Result
}

func receiptFor(kind string, who model.AccountID, in, out model.AssetID, r subpools.Result) model.Receipt {
	return model.Receipt{
		Kind:       kind,
		Account:    who,
		Route:      r.Route,
		AssetIn:    in,
		AssetOut:   out,
		AmountIn:   r.AmountIn,
		AmountOut:  r.AmountOut,
		Fee:        r.Fee,
		PositionID: r.PositionID,
	}
}

func respond(rcpt model.Receipt, res subpools.Result) InstructionResponse {
	return InstructionResponse{ReceiptID: rcpt.ID, Result: res}
}

// --- HTTP Handlers ---

// Sell handles POST /api/v1/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, "sell")
}

// Buy handles POST /api/v1/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, "buy")
}

func (s *Service) trade(w http.ResponseWriter, r *http.Request, kind string) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}

	var res subpools.Result
	rcpt, err := s.execute(r.Context(), kind, func(c components) (model.Receipt, error) {
		var err error
		if kind == "sell" {
			res, err = c.engine.Sell(r.Context(), req.Account, req.AssetIn, req.AssetOut, req.Amount, req.Limit)
		} else {
			res, err = c.engine.Buy(r.Context(), req.Account, req.AssetOut, req.AssetIn, req.Amount, req.Limit)
		}
		return receiptFor(kind, req.Account, req.AssetIn, req.AssetOut, res), err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(rcpt, res))
}

// AddLiquidity handles POST /api/v1/liquidity
func (s *Service) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	var res subpools.Result
	rcpt, err := s.execute(r.Context(), "add_liquidity", func(c components) (model.Receipt, error) {
		var err error
		res, err = c.engine.AddLiquidity(r.Context(), req.Account, req.Asset, req.Amount)
		return receiptFor("add_liquidity", req.Account, req.Asset, 0, res), err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, respond(rcpt, res))
}

// AddStableLiquidity handles POST /api/v1/liquidity/stable
func (s *Service) AddStableLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	var res subpools.Result
	rcpt, err := s.execute(r.Context(), "add_stable_liquidity", func(c components) (model.Receipt, error) {
		var err error
		res, err = c.engine.AddLiquidityStable(r.Context(), req.Account, req.Asset, req.Amount, req.MintShareToken)
		return receiptFor("add_stable_liquidity", req.Account, req.Asset, 0, res), err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, respond(rcpt, res))
}

// RemoveLiquidity handles POST /api/v1/liquidity/remove
func (s *Service) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req RemoveLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	var res subpools.Result
	rcpt, err := s.execute(r.Context(), "remove_liquidity", func(c components) (model.Receipt, error) {
		var err error
		res, err = c.engine.RemoveLiquidity(r.Context(), req.Account, req.PositionID, req.Shares, req.WithdrawAsset)
		var out model.AssetID
		if req.WithdrawAsset != nil {
			out = *req.WithdrawAsset
		}
		return receiptFor("remove_liquidity", req.Account, 0, out, res), err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(rcpt, res))
}

// CreateSubpool handles POST /api/v1/subpools
func (s *Service) CreateSubpool(w http.ResponseWriter, r *http.Request) {
	var req CreateSubpoolRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := s.execute(r.Context(), "create_subpool", func(c components) (model.Receipt, error) {
		err := c.engine.CreateSubpool(r.Context(), subpools.CreateSubpoolParams{
			ShareAsset:    req.ShareAsset,
			AssetA:        req.AssetA,
			AssetB:        req.AssetB,
			WeightCap:     req.WeightCap,
			Amplification: req.Amplification,
			TradeFee:      req.TradeFee,
			WithdrawFee:   req.WithdrawFee,
		})
		if err == nil {
			err = s.countSubpools(r.Context(), c)
		}
		return model.Receipt{Account: req.Account, Route: model.RouteSubpoolAdmin, AssetOut: req.ShareAsset}, err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"receipt_id": rcpt.ID, "pool_id": req.ShareAsset})
}

// MigrateAsset handles POST /api/v1/subpools/{poolID}/migrate
func (s *Service) MigrateAsset(w http.ResponseWriter, r *http.Request) {
	poolID, ok := assetParam(w, r, "poolID")
	if !ok {
		return
	}
	var req MigrateRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := s.execute(r.Context(), "migrate_asset", func(c components) (model.Receipt, error) {
		err := c.engine.MigrateAssetToSubpool(r.Context(), poolID, req.Asset)
		return model.Receipt{Account: req.Account, Route: model.RouteSubpoolAdmin, AssetIn: req.Asset, AssetOut: poolID}, err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt_id": rcpt.ID, "pool_id": poolID, "asset": req.Asset})
}

func (s *Service) countSubpools(ctx context.Context, c components) error {
	set, err := c.registry.Subpools(ctx)
	if err != nil {
		return err
	}
	metrics.Subpools.Set(float64(set.Cardinality()))
	return nil
}

// RegisterAsset handles POST /api/v1/admin/assets
func (s *Service) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req RegisterAssetRequest
	if !decode(w, r, &req) {
		return
	}
	price, err := fixed.FromDecimal(req.Price, fixed.PriceDecimals)
	if err != nil {
		writeError(w, "invalid price: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Cap == 0 {
		req.Cap = fixed.PermillOne
	}
	if req.Decimals == 0 {
		req.Decimals = ledger.DefaultDecimals
	}

	var id model.PositionID
	rcpt, err := s.execute(r.Context(), "register_asset", func(c components) (model.Receipt, error) {
		rcpt := model.Receipt{Account: req.Owner, Route: model.RouteHub, AssetIn: req.Asset, AmountIn: req.Amount}
		if err := c.ledger.RegisterAsset(r.Context(), ledger.Asset{ID: req.Asset, Symbol: req.Symbol, Decimals: req.Decimals}); err != nil {
			return rcpt, err
		}
		var err error
		id, err = c.hub.AddToken(r.Context(), omnipool.AddTokenParams{
			Asset:  req.Asset,
			Amount: req.Amount,
			Price:  price,
			Cap:    req.Cap,
			Owner:  req.Owner,
		})
		rcpt.PositionID = id
		return rcpt, err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"receipt_id": rcpt.ID, "position_id": id})
}

// Mint handles POST /api/v1/admin/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := s.execute(r.Context(), "mint", func(c components) (model.Receipt, error) {
		rcpt := model.Receipt{Account: req.Account, AssetOut: req.Asset, AmountOut: req.Amount}
		if req.Amount.IsZero() {
			return rcpt, model.ErrInvalidAmount
		}
		return rcpt, c.ledger.Mint(r.Context(), req.Asset, req.Account, req.Amount)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"receipt_id": rcpt.ID})
}

// SetTradability handles POST /api/v1/admin/tradability
func (s *Service) SetTradability(w http.ResponseWriter, r *http.Request) {
	var req TradabilityRequest
	if !decode(w, r, &req) {
		return
	}
	t := model.NewTradability(req.Capabilities...)
	_, err := s.execute(r.Context(), "set_tradability", func(c components) (model.Receipt, error) {
		rcpt := model.Receipt{Route: model.RouteHub, AssetIn: req.Asset}
		if req.Pool == nil {
			return rcpt, c.hub.SetTradability(r.Context(), req.Asset, t)
		}
		rcpt.Route = model.RouteStable
		return rcpt, c.stable.SetAssetTradability(r.Context(), *req.Pool, req.Asset, t)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": req.Asset, "capabilities": t.Capabilities()})
}

// UpdateAmplification handles POST /api/v1/admin/pools/{poolID}/amplification
func (s *Service) UpdateAmplification(w http.ResponseWriter, r *http.Request) {
	poolID, ok := assetParam(w, r, "poolID")
	if !ok {
		return
	}
	var req AmplificationRequest
	if !decode(w, r, &req) {
		return
	}
	_, err := s.execute(r.Context(), "update_amplification", func(c components) (model.Receipt, error) {
		rcpt := model.Receipt{Route: model.RouteStable, AssetOut: poolID}
		return rcpt, c.stable.UpdateAmplification(r.Context(), poolID, req.Final, req.FinalBlock)
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": poolID, "final": req.Final, "final_block": req.FinalBlock})
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/sell", s.Sell)
	r.Post("/buy", s.Buy)

	r.Post("/liquidity", s.AddLiquidity)
	r.Post("/liquidity/stable", s.AddStableLiquidity)
	r.Post("/liquidity/remove", s.RemoveLiquidity)

	r.Get("/subpools", s.ListSubpools)
	r.Post("/subpools", s.CreateSubpool)
	r.Post("/subpools/{poolID}/migrate", s.MigrateAsset)
	r.Get("/migrations/{assetID}", s.GetMigration)

	r.Get("/pools/{poolID}", s.GetPool)
	r.Get("/assets/{assetID}", s.GetAsset)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/accounts/{account}/balances/{assetID}", s.GetBalance)
	r.Get("/accounts/{account}/history", s.GetHistory)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/assets", s.RegisterAsset)
		r.Post("/mint", s.Mint)
		r.Post("/tradability", s.SetTradability)
		r.Post("/pools/{poolID}/amplification", s.UpdateAmplification)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}
