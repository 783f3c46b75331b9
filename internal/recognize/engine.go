// Package recognize classifies inbound chat messages and extracts trade
// intents.
//
// Parsing is delegated to an LLM behind the Provider interface; the system
// prompt enforces a strict JSON reply. The engine is the boundary between
// untyped text and the typed core: it validates the reply against the
// schema, coerces lenient value forms (string numbers, currency symbols,
// leverage markers, mixed-case directions), and rejects ill-formed output
// as not-a-signal rather than propagating garbage downstream.
//
// The engine is stateless and safe for concurrent use. It retains no
// message text beyond the call.
package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"signalbridge/pkg/types"
)

// Provider is the LLM backend the engine delegates parsing to.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Extraction is the structured trade intent pulled out of an ENTRY message.
type Extraction struct {
	Asset           string
	Direction       types.Direction
	Leverage        int
	EntryPrice      decimal.Decimal
	TPLevels        []decimal.Decimal
	StopLoss        decimal.Decimal
	SuggestedVolume decimal.Decimal
}

// Result is the tagged recognition outcome. Extracted is non-nil only for
// well-formed ENTRY signals; Raw preserves the provider reply for audit.
type Result struct {
	IsSignal   bool
	Confidence float64
	Type       types.SignalType
	Extracted  *Extraction
	Raw        string
}

// Engine wraps a Provider with schema validation and value coercion.
type Engine struct {
	prov   Provider
	logger *slog.Logger
}

// New creates a recognition engine.
func New(prov Provider, logger *slog.Logger) *Engine {
	return &Engine{prov: prov, logger: logger.With("component", "recognize")}
}

// reply mirrors the JSON contract in the system prompt. Numeric fields use
// lenient decoders because models occasionally quote numbers or leave
// markers in despite instructions.
type reply struct {
	IsSignal        bool        `json:"is_signal"`
	Confidence      float64     `json:"confidence"`
	Type            string      `json:"type"`
	Asset           string      `json:"asset"`
	Direction       string      `json:"direction"`
	Leverage        flexNumber  `json:"leverage"`
	EntryPrice      flexNumber  `json:"entry_price"`
	TPLevels        []flexNumber `json:"tp_levels"`
	StopLoss        flexNumber  `json:"stop_loss"`
	SuggestedVolume flexNumber  `json:"suggested_volume"`
}

// Recognize classifies one envelope. A schema-violating reply is returned
// as a non-signal, never as an error; errors are reserved for transport
// failures (timeout, connection) the caller may want to distinguish.
func (e *Engine) Recognize(ctx context.Context, env types.Envelope) (Result, error) {
	user := fmt.Sprintf("Channel: %s\nTimestamp: %s\nMessage:\n%s",
		env.ChannelName, env.Timestamp.UTC().Format("2006-01-02 15:04:05"), env.Text)

	raw, err := e.prov.Complete(ctx, systemPrompt, user)
	if err != nil {
		return Result{}, fmt.Errorf("recognize: %w", err)
	}

	var r reply
	if err := json.Unmarshal([]byte(stripFences(raw)), &r); err != nil {
		e.logger.Warn("schema-violating reply, treating as non-signal", "error", err)
		return Result{IsSignal: false, Type: types.SignalGeneral, Raw: raw}, nil
	}

	res := Result{
		IsSignal:   r.IsSignal,
		Confidence: clamp01(r.Confidence),
		Type:       coerceType(r.Type),
		Raw:        raw,
	}
	if !res.IsSignal || res.Type != types.SignalEntry {
		return res, nil
	}

	ext := &Extraction{
		Asset:           coerceAsset(r.Asset),
		Direction:       types.Direction(strings.ToUpper(strings.TrimSpace(r.Direction))),
		Leverage:        int(r.Leverage.value.IntPart()),
		EntryPrice:      r.EntryPrice.value,
		StopLoss:        r.StopLoss.value,
		SuggestedVolume: r.SuggestedVolume.value,
	}
	for _, tp := range r.TPLevels {
		if tp.value.Sign() > 0 {
			ext.TPLevels = append(ext.TPLevels, tp.value)
		}
	}

	// An ENTRY without its required fields is demoted to a non-signal;
	// the feed persists it for audit but never executes it.
	if ext.Asset == "" || !ext.Direction.Valid() ||
		ext.EntryPrice.Sign() <= 0 || ext.StopLoss.Sign() <= 0 || len(ext.TPLevels) == 0 {
		e.logger.Warn("entry reply missing required fields, demoting",
			"asset", ext.Asset, "direction", ext.Direction)
		res.IsSignal = false
		res.Type = types.SignalGeneral
		return res, nil
	}

	res.Extracted = ext
	return res, nil
}

// flexNumber decodes a JSON number or a string that still carries currency
// or leverage markers ("$30,000", "x10", "Х10").
type flexNumber struct {
	value decimal.Decimal
}

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		f.value = decimal.Zero
		return nil
	}
	if s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = cleanNumeric(s)
		if s == "" {
			f.value = decimal.Zero
			return nil
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		// Lenient: unparseable values become zero and fail field checks later.
		f.value = decimal.Zero
		return nil
	}
	f.value = d
	return nil
}

// cleanNumeric strips currency symbols, separators, and leverage markers.
// Both the Latin "x" and the Cyrillic "х" appear in the wild.
func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == ',':
			// thousands separator, dropped
		default:
			// $, €, x, X, х, Х, %, whitespace — dropped
		}
	}
	return b.String()
}

// coerceAsset uppercases and strips ticker decorations ("#btc", "BTC/USDT").
func coerceAsset(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(s, "$")
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			s = s[:i]
		}
	}
	return s
}

func coerceType(s string) types.SignalType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENTRY":
		return types.SignalEntry
	case "UPDATE":
		return types.SignalUpdate
	case "CLOSE":
		return types.SignalClose
	default:
		return types.SignalGeneral
	}
}

// stripFences removes a markdown code fence if the model wrapped its JSON
// despite the prompt.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
