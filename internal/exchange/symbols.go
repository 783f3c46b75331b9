// symbols.go handles symbol canonicalization, metadata caching, and
// tick/step quantization.
//
// Consumers speak "BASE-QUOTE" ("BTC-USDT"); the venue speaks concatenated
// symbols ("BTCUSDT"). Canonicalize accepts "BASE-QUOTE", "BASE_QUOTE", and
// "BASEQUOTE" and normalizes by matching known quote-asset suffixes. Symbol
// metadata (tick size, step size, minimums) is cached per symbol with an
// explicit invalidation hook — the venue changes filters rarely, but the
// cache must never survive a symbol delisting notice.
package exchange

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"signalbridge/pkg/types"
)

// quoteAssets are the settlement currencies recognized when splitting a
// concatenated venue symbol. Longest suffixes are listed first so "BTCUSDT"
// resolves to quote USDT rather than USD-with-trailing-T.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// Canonicalize normalizes a symbol to "BASE-QUOTE" form.
// Accepts "BTC-USDT", "BTC_USDT", and "BTCUSDT". Lowercase input is fine.
func Canonicalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
	}
	s = strings.ReplaceAll(s, "_", "-")

	if strings.Contains(s, "-") {
		parts := strings.Split(s, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
		}
		return parts[0] + "-" + parts[1], nil
	}

	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
}

// VenueSymbol converts a canonical "BASE-QUOTE" symbol to the venue's
// concatenated form.
func VenueSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "-", "")
}

// PairSymbol builds the canonical symbol for a base asset against the
// configured quote asset ("BTC" + "USDT" → "BTC-USDT").
func PairSymbol(baseAsset, quoteAsset string) string {
	return strings.ToUpper(strings.TrimSpace(baseAsset)) + "-" + strings.ToUpper(quoteAsset)
}

// FloorToStep floors a quantity to an exact multiple of the step size.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// FloorToTick floors a price to an exact multiple of the tick size.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// CeilToStep raises a quantity to the next multiple of the step size.
// Used when a TP leg must be bumped up to clear the minimum notional.
func CeilToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

// symbolCache caches SymbolInfo per canonical symbol.
type symbolCache struct {
	mu    sync.RWMutex
	infos map[string]types.SymbolInfo
}

func newSymbolCache() *symbolCache {
	return &symbolCache{infos: make(map[string]types.SymbolInfo)}
}

func (c *symbolCache) get(canonical string) (types.SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.infos[canonical]
	return info, ok
}

func (c *symbolCache) put(info types.SymbolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos[info.Symbol] = info
}

// invalidate drops one symbol, or everything when symbol is empty.
func (c *symbolCache) invalidate(canonical string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if canonical == "" {
		c.infos = make(map[string]types.SymbolInfo)
		return
	}
	delete(c.infos, canonical)
}
