package trade

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/ledger"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/omnipool"
	"github.com/atmx/hubswap-engine/internal/stableswap"
	"github.com/atmx/hubswap-engine/internal/subpools"
)

// PoolAssetView is one asset of a stable pool.
type PoolAssetView struct {
	Asset       model.AssetID     `json:"asset"`
	Reserve     fixed.Uint        `json:"reserve"`
	Decimals    uint8             `json:"decimals"`
	Tradability model.Tradability `json:"tradability"`
}

// PoolView is a stable pool with its balances. SpotPrices holds the price
// of each asset in units of the first one, keyed by asset id.
type PoolView struct {
	ID            model.AssetID              `json:"id"`
	Assets        []PoolAssetView            `json:"assets"`
	Amplification uint64                     `json:"amplification"`
	Issuance      fixed.Uint                 `json:"issuance"`
	TradeFee      fixed.Permill              `json:"trade_fee"`
	WithdrawFee   fixed.Permill              `json:"withdraw_fee"`
	SpotPrices    map[string]decimal.Decimal `json:"spot_prices"`
}

// AssetView is the hub pool state of an asset.
type AssetView struct {
	Asset model.AssetID `json:"asset"`
	model.AssetState
	Price decimal.Decimal `json:"price"` // hub asset per asset unit
}

type BalanceView struct {
	Account model.AccountID `json:"account"`
	Asset   model.AssetID   `json:"asset"`
	Balance fixed.Uint      `json:"balance"`
	Amount  decimal.Decimal `json:"amount"` // balance in whole tokens
}

func (s *Service) poolView(r *http.Request, c components, id model.AssetID) (PoolView, error) {
	ctx := r.Context()
	pool, err := c.stable.GetPool(ctx, id)
	if err != nil {
		return PoolView{}, err
	}
	reserves, err := c.stable.Reserves(ctx, pool)
	if err != nil {
		return PoolView{}, err
	}
	issuance, err := c.stable.Issuance(ctx, pool)
	if err != nil {
		return PoolView{}, err
	}
	v := PoolView{
		ID:            pool.ID,
		Assets:        make([]PoolAssetView, len(pool.Assets)),
		Amplification: c.stable.Amplification(pool),
		Issuance:      issuance,
		TradeFee:      pool.TradeFee,
		WithdrawFee:   pool.WithdrawFee,
		SpotPrices:    make(map[string]decimal.Decimal, len(pool.Assets)),
	}
	for i, a := range pool.Assets {
		t, ok := pool.Tradability[a]
		if !ok {
			t = model.FullyTradable()
		}
		v.Assets[i] = PoolAssetView{Asset: a, Reserve: reserves[i].Amount, Decimals: reserves[i].Decimals, Tradability: t}
	}
	if issuance.IsZero() {
		return v, nil
	}
	for _, a := range pool.Assets {
		p, err := c.stable.SpotPrice(ctx, pool, pool.Assets[0], a)
		if err != nil {
			return PoolView{}, err
		}
		v.SpotPrices[strconv.FormatUint(uint64(a), 10)] = p
	}
	return v, nil
}

// ListSubpools handles GET /api/v1/subpools
func (s *Service) ListSubpools(w http.ResponseWriter, r *http.Request) {
	var views []PoolView
	err := s.query(func(c components) error {
		ids, err := c.registry.SortedSubpools(r.Context())
		if err != nil {
			return err
		}
		views = make([]PoolView, 0, len(ids))
		for _, id := range ids {
			v, err := s.poolView(r, c, id)
			if err != nil {
				return err
			}
			views = append(views, v)
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPool handles GET /api/v1/pools/{poolID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "poolID")
	if !ok {
		return
	}
	var v PoolView
	err := s.query(func(c components) error {
		var err error
		v, err = s.poolView(r, c, id)
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetMigration handles GET /api/v1/migrations/{assetID}
func (s *Service) GetMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	var rec model.MigrationRecord
	err := s.query(func(c components) error {
		var found bool
		var err error
		rec, found, err = c.registry.Migration(r.Context(), id)
		if err == nil && !found {
			err = fmt.Errorf("migration of asset %d: %w", id, model.ErrNotFound)
		}
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetAsset handles GET /api/v1/assets/{assetID}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	var v AssetView
	err := s.query(func(c components) error {
		st, err := c.hub.LoadAssetState(r.Context(), id)
		if err != nil {
			return err
		}
		price, err := st.Price()
		if err != nil {
			return err
		}
		v = AssetView{Asset: id, AssetState: st, Price: price.Decimal(fixed.PriceDecimals)}
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var pos model.Position
	err = s.query(func(c components) error {
		var err error
		pos, err = c.hub.Position(r.Context(), model.PositionID(n))
		return err
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetBalance handles GET /api/v1/accounts/{account}/balances/{assetID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	who := model.AccountID(chi.URLParam(r, "account"))
	var v BalanceView
	err := s.query(func(c components) error {
		bal, err := c.ledger.FreeBalance(r.Context(), id, who)
		if err != nil {
			return err
		}
		dec, err := c.ledger.Decimals(r.Context(), id)
		if err != nil {
			return err
		}
		v = BalanceView{Account: who, Asset: id, Balance: bal, Amount: bal.Decimal(dec)}
		return nil
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetHistory handles GET /api/v1/accounts/{account}/history
// Returns the account's receipts, oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	who := model.AccountID(chi.URLParam(r, "account"))
	receipts, err := s.store.GetReceiptsByAccount(r.Context(), who)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if receipts == nil {
		receipts = []model.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

func assetParam(w http.ResponseWriter, r *http.Request, name string) (model.AssetID, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return model.AssetID(n), true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotAllowed),
		errors.Is(err, subpools.ErrAlreadyMigrated),
		errors.Is(err, omnipool.ErrAssetExists),
		errors.Is(err, stableswap.ErrPoolExists),
		errors.Is(err, stableswap.ErrAssetInPool):
		return http.StatusConflict
	case errors.Is(err, model.ErrLimitExceeded),
		errors.Is(err, model.ErrLimitNotReached),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrWeightCapExceeded),
		errors.Is(err, model.ErrMath):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrWithdrawAssetNotSpecified),
		errors.Is(err, model.ErrNotStableAsset),
		errors.Is(err, ledger.ErrInvalidDecimals),
		errors.Is(err, omnipool.ErrInvalidParams),
		errors.Is(err, stableswap.ErrInvalidPool),
		errors.Is(err, stableswap.ErrPoolFull),
		errors.Is(err, stableswap.ErrInvalidRamp):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// outcome is the metrics label of a failed instruction.
func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, model.ErrLimitExceeded), errors.Is(err, model.ErrLimitNotReached):
		return "limit"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrMath):
		return "math"
	}
	switch statusFor(err) {
	case http.StatusInternalServerError:
		return "internal"
	default:
		return "invalid"
	}
}
