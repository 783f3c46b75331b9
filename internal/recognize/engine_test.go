package recognize

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/pkg/types"
)

// fakeProvider returns a canned reply or error.
type fakeProvider struct {
	reply string
	err   error
}

func (f *fakeProvider) Complete(_ context.Context, _, _ string) (string, error) {
	return f.reply, f.err
}

func testEngine(reply string) *Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(&fakeProvider{reply: reply}, logger)
}

func envelope(text string) types.Envelope {
	return types.Envelope{
		ExternalChannelID: "-100123",
		MessageID:         "m1",
		Timestamp:         time.Now(),
		Text:              text,
		ChannelName:       "vip-signals",
	}
}

func TestRecognizeEntry(t *testing.T) {
	t.Parallel()
	eng := testEngine(`{
		"is_signal": true, "confidence": 0.95, "type": "ENTRY",
		"asset": "BTC", "direction": "LONG", "leverage": 10,
		"entry_price": 30000, "tp_levels": [30300, 30600, 31000],
		"stop_loss": 29700, "suggested_volume": 0
	}`)

	res, err := eng.Recognize(context.Background(), envelope("Монета: BTC LONG Х10  Вход: 30000"))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !res.IsSignal || res.Type != types.SignalEntry {
		t.Fatalf("res = %+v, want ENTRY signal", res)
	}
	if res.Extracted == nil {
		t.Fatal("Extracted is nil for well-formed ENTRY")
	}
	ext := res.Extracted
	if ext.Asset != "BTC" || ext.Direction != types.LONG || ext.Leverage != 10 {
		t.Errorf("extraction = %+v", ext)
	}
	if !ext.EntryPrice.Equal(decimal.RequireFromString("30000")) {
		t.Errorf("entry = %s", ext.EntryPrice)
	}
	if len(ext.TPLevels) != 3 || !ext.TPLevels[0].Equal(decimal.RequireFromString("30300")) {
		t.Errorf("tp levels = %v (author order must be preserved)", ext.TPLevels)
	}
}

func TestRecognizeCoercesLenientValues(t *testing.T) {
	t.Parallel()
	// Quoted numbers, currency markers, Cyrillic leverage marker, lowercase direction.
	eng := testEngine(`{
		"is_signal": true, "confidence": 0.9, "type": "entry",
		"asset": "#btc/usdt", "direction": "long", "leverage": "Х10",
		"entry_price": "$30,000", "tp_levels": ["30,300", "31000"],
		"stop_loss": "29700", "suggested_volume": null
	}`)

	res, err := eng.Recognize(context.Background(), envelope("..."))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Extracted == nil {
		t.Fatalf("lenient values should still extract, got %+v", res)
	}
	ext := res.Extracted
	if ext.Asset != "BTC" {
		t.Errorf("asset = %q, want BTC", ext.Asset)
	}
	if ext.Direction != types.LONG {
		t.Errorf("direction = %q, want LONG", ext.Direction)
	}
	if ext.Leverage != 10 {
		t.Errorf("leverage = %d, want 10", ext.Leverage)
	}
	if !ext.EntryPrice.Equal(decimal.RequireFromString("30000")) {
		t.Errorf("entry = %s, want 30000", ext.EntryPrice)
	}
}

func TestRecognizeNonSignal(t *testing.T) {
	t.Parallel()
	eng := testEngine(`{"is_signal": false, "confidence": 0.2, "type": "GENERAL"}`)

	res, err := eng.Recognize(context.Background(), envelope("gm everyone"))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.IsSignal || res.Extracted != nil {
		t.Errorf("res = %+v, want non-signal without extraction", res)
	}
}

func TestRecognizeProseReplyDemoted(t *testing.T) {
	t.Parallel()
	eng := testEngine(`Sure! This looks like a LONG signal on BTC.`)

	res, err := eng.Recognize(context.Background(), envelope("BTC LONG"))
	if err != nil {
		t.Fatalf("prose reply must not error: %v", err)
	}
	if res.IsSignal {
		t.Error("prose reply must be treated as non-signal")
	}
}

func TestRecognizeFencedJSON(t *testing.T) {
	t.Parallel()
	eng := testEngine("```json\n{\"is_signal\": false, \"confidence\": 0.1, \"type\": \"GENERAL\"}\n```")

	res, err := eng.Recognize(context.Background(), envelope("hello"))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Type != types.SignalGeneral {
		t.Errorf("type = %v, want GENERAL", res.Type)
	}
}

func TestRecognizeEntryMissingFieldsDemoted(t *testing.T) {
	t.Parallel()
	// ENTRY without a stop loss cannot be executed.
	eng := testEngine(`{
		"is_signal": true, "confidence": 0.9, "type": "ENTRY",
		"asset": "BTC", "direction": "LONG", "leverage": 10,
		"entry_price": 30000, "tp_levels": [30300], "stop_loss": 0
	}`)

	res, err := eng.Recognize(context.Background(), envelope("..."))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.IsSignal || res.Extracted != nil {
		t.Errorf("incomplete ENTRY must be demoted, got %+v", res)
	}
}

func TestRecognizeConfidenceClamped(t *testing.T) {
	t.Parallel()
	eng := testEngine(`{"is_signal": false, "confidence": 1.7, "type": "GENERAL"}`)

	res, err := eng.Recognize(context.Background(), envelope("..."))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", res.Confidence)
	}
}

func TestRecognizeProviderError(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	eng := New(&fakeProvider{err: errors.New("timeout")}, logger)

	if _, err := eng.Recognize(context.Background(), envelope("...")); err == nil {
		t.Error("transport errors must propagate")
	}
}
