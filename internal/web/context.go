package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// cycleContext tags a cycle started from the API with its trigger and the
// request's ID.
func cycleContext(r *http.Request) context.Context {
	return core.ContextWithTrigger(r.Context(), core.TriggerAPI)
}
