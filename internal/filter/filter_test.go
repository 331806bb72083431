package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uoaths/harmony/internal/core"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// ethNorms mirrors the ETHUSDT rules published by the exchange.
func ethNorms() core.SymbolNorms {
	return core.SymbolNorms{
		Symbol:              "ETHUSDT",
		BaseAsset:           "ETH",
		QuoteAsset:          "USDT",
		BaseAssetPrecision:  8,
		QuoteAssetPrecision: 8,
		Filters: []core.SymbolFilter{
			core.LotSize{MinQty: dec("0.00010000"), MaxQty: dec("9000.00000000"), StepSize: dec("0.00010000")},
			core.MarketLotSize{MinQty: dec("0"), MaxQty: dec("1701.08445000"), StepSize: dec("0")},
			core.Notional{MinNotional: dec("5"), MaxNotional: dec("9000000"), ApplyMinToMarket: true, ApplyMaxToMarket: false},
		},
	}
}

func TestCheckLotSize(t *testing.T) {
	f := core.LotSize{MinQty: dec("0.0001"), MaxQty: dec("9000"), StepSize: dec("0.0001")}
	for _, q := range []string{"0.0001", "0.0001000", "7.50100000"} {
		if err := checkLotSize(dec(q), f); err != nil {
			t.Fatalf("checkLotSize(%s) error = %v, want nil", q, err)
		}
	}
	for _, q := range []string{"0.0001500", "9001.0001500", "0.00005"} {
		if err := checkLotSize(dec(q), f); !errors.Is(err, ErrLotSize) {
			t.Fatalf("checkLotSize(%s) error = %v, want %v", q, err, ErrLotSize)
		}
	}
}

func TestCheckMarketLotSize(t *testing.T) {
	f := core.MarketLotSize{MinQty: dec("0"), MaxQty: dec("1701.08445"), StepSize: dec("0")}
	for _, q := range []string{"0.00001", "0.00001500", "7.510100000"} {
		if err := checkMarketLotSize(dec(q), f); err != nil {
			t.Fatalf("checkMarketLotSize(%s) error = %v, want nil", q, err)
		}
	}
	for _, q := range []string{"1800", "9001.00001500"} {
		if err := checkMarketLotSize(dec(q), f); !errors.Is(err, ErrMarketLotSize) {
			t.Fatalf("checkMarketLotSize(%s) error = %v, want %v", q, err, ErrMarketLotSize)
		}
	}
}

func TestValidateBaseNotional(t *testing.T) {
	norms := ethNorms()
	price := dec("3685.96")
	if err := Validate(norms, price, dec("0.0015"), Base); err != nil {
		t.Fatalf("Validate(0.0015) error = %v, want nil", err)
	}
	if err := Validate(norms, price, dec("0.0001"), Base); !errors.Is(err, ErrNotional) {
		t.Fatalf("Validate(0.0001) error = %v, want %v", err, ErrNotional)
	}
}

func TestValidateLotSizeRejection(t *testing.T) {
	norms := core.SymbolNorms{
		BaseAssetPrecision: 8,
		Filters: []core.SymbolFilter{
			core.LotSize{MinQty: dec("0.01"), MaxQty: dec("100"), StepSize: dec("0.001")},
		},
	}
	price := dec("100")
	err := Validate(norms, price, dec("0.0005"), Base)
	if !errors.Is(err, ErrLotSize) {
		t.Fatalf("Validate(0.0005) error = %v, want %v", err, ErrLotSize)
	}
	if !strings.HasPrefix(err.Error(), "FILTER LOTSIZE ") {
		t.Fatalf("Validate(0.0005) message = %q, want FILTER LOTSIZE prefix", err.Error())
	}

	corrected := Correct(norms, price, dec("0.0155"), Base)
	if !corrected.Equal(dec("0.015")) {
		t.Fatalf("Correct(0.0155) = %s, want 0.015", corrected)
	}
	if err := Validate(norms, price, corrected, Base); err != nil {
		t.Fatalf("Validate(corrected) error = %v, want nil", err)
	}
	if err := Validate(norms, price, dec("0.0155"), Base); !errors.Is(err, ErrLotSize) {
		t.Fatalf("Validate(0.0155) error = %v, want %v", err, ErrLotSize)
	}
}

func TestValidateNotionalBoundary(t *testing.T) {
	price := dec("100")
	qty := dec("0.05")
	withMin := core.SymbolNorms{
		BaseAssetPrecision: 8,
		Filters:            []core.SymbolFilter{core.Notional{MinNotional: dec("10"), MaxNotional: dec("1000"), ApplyMinToMarket: true}},
	}
	if err := Validate(withMin, price, qty, Base); !errors.Is(err, ErrNotional) {
		t.Fatalf("Validate() error = %v, want %v", err, ErrNotional)
	}
	withoutMin := core.SymbolNorms{
		BaseAssetPrecision: 8,
		Filters:            []core.SymbolFilter{core.Notional{MinNotional: dec("10"), MaxNotional: dec("1000"), ApplyMinToMarket: false}},
	}
	if err := Validate(withoutMin, price, qty, Base); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
	maxApplied := core.SymbolNorms{
		BaseAssetPrecision: 8,
		Filters:            []core.SymbolFilter{core.Notional{MinNotional: dec("0"), MaxNotional: dec("1"), ApplyMaxToMarket: true}},
	}
	if err := Validate(maxApplied, price, qty, Base); !errors.Is(err, ErrNotional) {
		t.Fatalf("Validate(max) error = %v, want %v", err, ErrNotional)
	}
}

func TestValidatePrecision(t *testing.T) {
	norms := core.SymbolNorms{BaseAssetPrecision: 4, QuoteAssetPrecision: 2}
	if err := Validate(norms, dec("1"), dec("0.00001"), Base); !errors.Is(err, ErrPrecision) {
		t.Fatalf("Validate(base 0.00001) error = %v, want %v", err, ErrPrecision)
	}
	if err := Validate(norms, dec("1"), dec("0.0001"), Base); err != nil {
		t.Fatalf("Validate(base 0.0001) error = %v, want nil", err)
	}
	// trailing zeros count toward the scale
	if err := Validate(norms, dec("1"), dec("1.100"), Quote); !errors.Is(err, ErrPrecision) {
		t.Fatalf("Validate(quote 1.100) error = %v, want %v", err, ErrPrecision)
	}
}

func TestValidateQuote(t *testing.T) {
	norms := core.SymbolNorms{
		QuoteAssetPrecision: 8,
		Filters: []core.SymbolFilter{
			core.LotSize{MinQty: dec("1"), MaxQty: dec("2"), StepSize: dec("1")},
			core.MinNotional{MinNotional: dec("10"), ApplyToMarket: true},
		},
	}
	price := dec("1000")
	// lot size does not apply to quote and price is not multiplied in
	if err := Validate(norms, price, dec("10"), Quote); err != nil {
		t.Fatalf("Validate(quote 10) error = %v, want nil", err)
	}
	if err := Validate(norms, price, dec("9.99"), Quote); !errors.Is(err, ErrMinNotional) {
		t.Fatalf("Validate(quote 9.99) error = %v, want %v", err, ErrMinNotional)
	}
	norms.Filters = []core.SymbolFilter{core.MinNotional{MinNotional: dec("10"), ApplyToMarket: false}}
	if err := Validate(norms, price, dec("9.99"), Quote); err != nil {
		t.Fatalf("Validate(quote 9.99, not applied) error = %v, want nil", err)
	}
	norms.Filters = []core.SymbolFilter{core.Notional{MinNotional: dec("5"), MaxNotional: dec("100"), ApplyMinToMarket: true, ApplyMaxToMarket: true}}
	if err := Validate(norms, price, dec("4"), Quote); !errors.Is(err, ErrNotional) {
		t.Fatalf("Validate(quote 4) error = %v, want %v", err, ErrNotional)
	}
	if err := Validate(norms, price, dec("101"), Quote); !errors.Is(err, ErrNotional) {
		t.Fatalf("Validate(quote 101) error = %v, want %v", err, ErrNotional)
	}
}

func TestCorrectBase(t *testing.T) {
	norms := ethNorms()
	price := dec("3685.96")
	cases := []struct {
		in, want string
	}{
		{"0.00001500", "0"},
		{"0.00015", "0.0001"},
		{"1.23456789", "1.2345"},
		{"-0.00015", "-0.0001"},
		{"0.000000", "0"},
	}
	for _, tc := range cases {
		got := Correct(norms, price, dec(tc.in), Base)
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("Correct(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCorrectNeverRoundsUp(t *testing.T) {
	norms := core.SymbolNorms{
		BaseAssetPrecision: 8,
		Filters:            []core.SymbolFilter{core.LotSize{MinQty: dec("0.001"), MaxQty: dec("1000"), StepSize: dec("0.001")}},
	}
	cases := []struct {
		in, want string
	}{
		{"0.00299999999999999999", "0.002"},
		{"1.99999999999999999999", "1.999"},
		{"0.003", "0.003"},
	}
	for _, tc := range cases {
		in := dec(tc.in)
		got := Correct(norms, dec("1"), in, Base)
		if got.Cmp(in) > 0 {
			t.Fatalf("Correct(%s) = %s, rounded up", tc.in, got)
		}
		if !got.Equal(dec(tc.want)) {
			t.Fatalf("Correct(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if err := Validate(norms, dec("1"), dec("1.99999999999999999999"), Base); !errors.Is(err, ErrLotSize) {
		t.Fatalf("Validate(off-step) error = %v, want %v", err, ErrLotSize)
	}
}

func TestCorrectBaseTruncatesToPrecision(t *testing.T) {
	norms := core.SymbolNorms{BaseAssetPrecision: 3}
	got := Correct(norms, dec("1"), dec("0.123999"), Base)
	if !got.Equal(dec("0.123")) {
		t.Fatalf("Correct() = %s, want 0.123", got)
	}
	if Scale(got) != 3 {
		t.Fatalf("Scale(Correct()) = %d, want 3", Scale(got))
	}
}

func TestCorrectQuoteOnlyTruncates(t *testing.T) {
	norms := core.SymbolNorms{
		QuoteAssetPrecision: 2,
		Filters:             []core.SymbolFilter{core.LotSize{MinQty: dec("1"), MaxQty: dec("10"), StepSize: dec("5")}},
	}
	got := Correct(norms, dec("1"), dec("12.349"), Quote)
	if !got.Equal(dec("12.34")) {
		t.Fatalf("Correct(quote) = %s, want 12.34", got)
	}
}

func TestCorrectIsIdempotent(t *testing.T) {
	norms := core.SymbolNorms{
		BaseAssetPrecision:  5,
		QuoteAssetPrecision: 3,
		Filters: []core.SymbolFilter{
			core.LotSize{MinQty: dec("0"), MaxQty: dec("1000"), StepSize: dec("0.003")},
			core.MarketLotSize{MinQty: dec("0"), MaxQty: dec("1000"), StepSize: dec("0.0001")},
		},
	}
	price := dec("42")
	for _, raw := range []string{"0", "0.0015", "1.23456789", "999.99999", "0.00299", "17"} {
		for _, kind := range []Kind{Base, Quote} {
			once := Correct(norms, price, dec(raw), kind)
			twice := Correct(norms, price, once, kind)
			if !once.Equal(twice) {
				t.Fatalf("Correct(Correct(%s, %s)) = %s, want %s", raw, kind, twice, once)
			}
			if once.Cmp(dec(raw)) > 0 {
				t.Fatalf("Correct(%s, %s) = %s rounded up", raw, kind, once)
			}
		}
	}
}

func TestScale(t *testing.T) {
	cases := map[string]uint32{
		"0.0001000": 7,
		"12":        0,
		"1.5":       1,
		"100":       0,
	}
	for in, want := range cases {
		if got := Scale(dec(in)); got != want {
			t.Fatalf("Scale(%s) = %d, want %d", in, got, want)
		}
	}
}
