package action

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// SimulateExecutor records its parameters and succeeds. Playbooks use it to
// rehearse matching and templating before arming real actions.
type SimulateExecutor struct {
	logger *zap.Logger
}

func NewSimulateExecutor(logger *zap.Logger) *SimulateExecutor {
	return &SimulateExecutor{logger: logger.With(zap.String("component", "simulate-only"))}
}

func (e *SimulateExecutor) Kind() string { return "simulate-only" }

func (e *SimulateExecutor) Validate(map[string]any) error { return nil }

func (e *SimulateExecutor) Execute(ctx context.Context, params map[string]any, dryRun bool) Receipt {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("{}")
	}
	e.logger.Info("simulated action", zap.ByteString("parameters", raw))
	return Receipt{
		Success: true,
		Note:    "simulated: " + string(raw),
	}
}
