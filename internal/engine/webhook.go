package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"bracket/internal/broker"
	"bracket/internal/logger"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// signalSchema validates external trade signals before any field is read.
const signalSchema = `{
  "type": "object",
  "required": ["action", "symbol"],
  "properties": {
    "action":     {"type": "string", "enum": ["buy", "sell", "close"]},
    "symbol":     {"type": "string", "minLength": 1},
    "quantity":   {"type": "number", "exclusiveMinimum": 0},
    "stop_price": {"type": "number", "exclusiveMinimum": 0},
    "take_price": {"type": "number", "exclusiveMinimum": 0}
  }
}`

var compiledSignalSchema = mustCompileSchema(signalSchema)

func mustCompileSchema(raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("signal.json")
}

// HandleSignal validates and executes an external trade signal. Buy and sell
// signals require both protective prices; a close signal flattens the
// position and cancels its remaining orders.
func (e *Engine) HandleSignal(ctx context.Context, raw []byte) error {
	body := strings.TrimSpace(string(raw))
	if body == "" || !gjson.Valid(body) {
		return fmt.Errorf("engine: signal is not valid json")
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return fmt.Errorf("engine: signal decode failed: %w", err)
	}
	if err := compiledSignalSchema.Validate(doc); err != nil {
		return fmt.Errorf("engine: signal rejected by schema: %w", err)
	}

	parsed := gjson.Parse(body)
	action := strings.ToLower(parsed.Get("action").String())
	symbol := parsed.Get("symbol").String()
	if symbol != e.symbol {
		return fmt.Errorf("engine: signal symbol %s does not match managed symbol %s", symbol, e.symbol)
	}

	switch action {
	case "buy", "sell":
		qty := parsed.Get("quantity").Float()
		stop := parsed.Get("stop_price").Float()
		take := parsed.Get("take_price").Float()
		if qty <= 0 || stop <= 0 || take <= 0 {
			return fmt.Errorf("engine: %s signal requires quantity, stop_price and take_price", action)
		}
		side := sideOf(action)
		if _, err := e.OpenBracket(ctx, side, qty, stop, take); err != nil {
			return err
		}
		return nil
	case "close":
		return e.CloseAndCancel(ctx)
	default:
		return fmt.Errorf("engine: unknown signal action %q", action)
	}
}

// CloseAndCancel flattens the managed symbol and cancels whatever protective
// orders remain. The monitor's next tick observes the flat position and runs
// its own cleanup, so a partial failure here self-heals.
func (e *Engine) CloseAndCancel(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if ok, err := e.client.ClosePosition(cctx, e.symbol); err != nil || !ok {
		return fmt.Errorf("engine: close for %s failed: ok=%v err=%v", e.symbol, ok, err)
	}
	if ok, err := e.client.CancelAllPendingOrders(cctx, e.symbol); err != nil || !ok {
		logger.Warnf("engine: cancel-all after close for %s failed: ok=%v err=%v", e.symbol, ok, err)
	}
	return nil
}

func sideOf(action string) string {
	if action == "sell" {
		return broker.SideSell
	}
	return broker.SideBuy
}
