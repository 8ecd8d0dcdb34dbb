package core

import "context"

type contextKey string

const ctxKeyTrigger contextKey = "sync_trigger"

// Trigger values recorded with each cycle.
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
	TriggerCLI      = "cli"
	TriggerAPI      = "api"
)

// ContextWithTrigger records what started a reconciliation cycle.
func ContextWithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, ctxKeyTrigger, trigger)
}

// TriggerFromContext returns the cycle trigger, or "manual" when unset.
func TriggerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTrigger).(string); ok && v != "" {
		return v
	}
	return "manual"
}
