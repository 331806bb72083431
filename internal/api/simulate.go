package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/backtest"
	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/execution"
	"github.com/uoaths/harmony/internal/grid"
)

type plotPayload struct {
	Symbol     string           `json:"symbol"`
	Commission *decimal.Decimal `json:"commission"`
	Grid       *grid.Spec       `json:"grid"`
}

type analysis struct {
	Evaluate core.Evaluation `json:"evaluate"`
	Trades   []core.Trade    `json:"trades"`
	Position core.Position   `json:"position"`
}

type plotResponse struct {
	Positions []core.Position `json:"positions"`
	Analyzer  []analysis      `json:"analyzer"`
}

type trackPayload struct {
	Symbol     string            `json:"symbol"`
	Commission *decimal.Decimal  `json:"commission"`
	Positions  []core.Position   `json:"positions"`
	Prices     []decimal.Decimal `json:"prices"`
}

type trackResponse struct {
	Evaluate  core.Evaluation `json:"evaluate"`
	Trades    []core.Trade    `json:"trades"`
	Positions []core.Position `json:"positions"`
	Orders    []core.Order    `json:"orders"`
}

func (s *Server) commissionOf(override *decimal.Decimal) (decimal.Decimal, error) {
	if override == nil {
		return s.cfg.Simulation.Commission.Decimal, nil
	}
	if override.Sign() < 0 || override.Cmp(decimal.NewFromInt(1)) >= 0 {
		return decimal.Zero, errors.New("commission must be in [0, 1)")
	}
	return *override, nil
}

// simulator returns a fresh simulated engine; executors carry order ids and
// totals, so none is shared between requests.
func (s *Server) simulator(r *http.Request, norms core.SymbolNorms, commission decimal.Decimal) (*execution.Engine, error) {
	sim := backtest.NewSimulatedExecutor(norms, decimal.Zero)
	if err := sim.SetCommission(commission); err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("request_id", requestID(r.Context())), zap.Bool("simulated", true))
	return execution.NewEngine(sim, logger, nil), nil
}

func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	var p plotPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	if p.Grid == nil {
		respondError(w, errors.New("grid is required"))
		return
	}
	commission, err := s.commissionOf(p.Commission)
	if err != nil {
		respondError(w, err)
		return
	}
	positions, err := grid.Positions(*p.Grid)
	if err != nil {
		respondError(w, fmt.Errorf("grid: %w", err))
		return
	}
	norms, err := s.market.SymbolNorms(r.Context(), symbol)
	if err != nil {
		respondError(w, normsError(err))
		return
	}

	out := plotResponse{Positions: positions, Analyzer: make([]analysis, 0, len(positions))}
	for i, position := range positions {
		engine, err := s.simulator(r, norms, commission)
		if err != nil {
			respondError(w, err)
			return
		}
		orders, err := engine.Plan(r.Context(), symbol, norms, position)
		if err != nil {
			respondError(w, fmt.Errorf("position %d: %w", i, err))
			return
		}
		trades := flattenTrades(orders)
		out.Analyzer = append(out.Analyzer, analysis{
			Evaluate: core.Evaluate(trades),
			Trades:   trades,
			Position: position,
		})
	}
	respondOK(w, out)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var p trackPayload
	if err := decodePayload(w, r, &p); err != nil {
		respondError(w, err)
		return
	}
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		respondError(w, err)
		return
	}
	commission, err := s.commissionOf(p.Commission)
	if err != nil {
		respondError(w, err)
		return
	}
	norms, err := s.market.SymbolNorms(r.Context(), symbol)
	if err != nil {
		respondError(w, normsError(err))
		return
	}
	engine, err := s.simulator(r, norms, commission)
	if err != nil {
		respondError(w, err)
		return
	}
	positions, orders := engine.Track(r.Context(), symbol, norms, p.Prices, p.Positions)
	if orders == nil {
		orders = []core.Order{}
	}
	if positions == nil {
		positions = []core.Position{}
	}
	trades := flattenTrades(orders)
	respondOK(w, trackResponse{
		Evaluate:  core.Evaluate(trades),
		Trades:    trades,
		Positions: positions,
		Orders:    orders,
	})
}

func flattenTrades(orders []core.Order) []core.Trade {
	trades := make([]core.Trade, 0, len(orders))
	for _, o := range orders {
		trades = append(trades, o.Trades...)
	}
	return trades
}
