// Package templates renders the status dashboard as templ components.
package templates

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// DashboardData is everything the dashboard shows.
type DashboardData struct {
	Status   core.Status
	Failed   []core.SyncOperation
	Entities []core.EntityDefinition
	Now      time.Time
}

// Dashboard renders the full status page.
func Dashboard(d DashboardData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
		b.WriteString(`<meta http-equiv="refresh" content="30"><title>sheetsync</title></head><body>`)
		b.WriteString(`<h1>sheetsync</h1>`)
		fmt.Fprintf(&b, `<p class="updated">Updated %s</p>`, esc(d.Now.UTC().Format(time.RFC3339)))

		q := d.Status.Queue
		b.WriteString(`<section id="queue"><h2>Queue</h2><table>`)
		fmt.Fprintf(&b, `<tr><th>Pending</th><td>%d</td></tr><tr><th>Processing</th><td>%d</td></tr>`, q.Pending, q.Processing)
		fmt.Fprintf(&b, `<tr><th>Failed</th><td>%d</td></tr><tr><th>Succeeded</th><td>%d</td></tr>`, q.Failed, q.Succeeded)
		b.WriteString(`</table></section>`)

		b.WriteString(`<section id="breakers"><h2>Circuit breakers</h2><table><tr><th>Name</th><th>State</th><th>Failures</th></tr>`)
		for _, br := range d.Status.Breakers {
			fmt.Fprintf(&b, `<tr class="%s"><td>%s</td><td>%s</td><td>%d / %d</td></tr>`,
				esc(string(br.State)), esc(br.Name), esc(string(br.State)), br.FailureCount, br.Threshold)
		}
		b.WriteString(`</table></section>`)

		u := d.Status.Limiter
		fmt.Fprintf(&b, `<section id="limiter"><h2>Sheets quota</h2><p>%.0f of %d tokens available (%.0f%% used), %d waiting, %.1f%% throttled</p></section>`,
			u.Available, u.Max, u.PercentUsed, u.QueueLength, d.Status.Stats.ThrottleRate*100)

		writeLastCycle(&b, d.Status.LastCycle)
		writeFailed(&b, d.Failed)

		b.WriteString(`<section id="entities"><h2>Entities</h2><ul>`)
		for _, e := range d.Entities {
			fmt.Fprintf(&b, `<li>%s <small>%s &rarr; %s</small></li>`, esc(e.Name), esc(e.SheetRange), esc(e.Table))
		}
		b.WriteString(`</ul></section></body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}

func writeLastCycle(b *strings.Builder, c *core.CycleResult) {
	b.WriteString(`<section id="last-cycle"><h2>Last cycle</h2>`)
	if c == nil {
		b.WriteString(`<p>No cycle has run yet.</p></section>`)
		return
	}
	fmt.Fprintf(b, `<p>Run %s (%s) at %s, %d operations queued</p>`,
		esc(c.RunID), esc(c.Trigger), esc(c.StartedAt.UTC().Format(time.RFC3339)), c.Queued)
	b.WriteString(`<table><tr><th>Entity</th><th>Created</th><th>Updated</th><th>Deleted</th><th>Invalid</th><th>Skipped deletions</th><th>Error</th></tr>`)
	for _, e := range c.Entities {
		errText := ""
		if e.Error != nil {
			errText = string(e.Error.Code) + ": " + e.Error.Message
		}
		fmt.Fprintf(b, `<tr><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%s</td></tr>`,
			esc(e.Entity), len(e.Created), len(e.Updated), len(e.Deleted), len(e.InvalidRows), len(e.Skipped), esc(errText))
	}
	b.WriteString(`</table></section>`)
}

func writeFailed(b *strings.Builder, ops []core.SyncOperation) {
	b.WriteString(`<section id="failed"><h2>Failed operations</h2>`)
	if len(ops) == 0 {
		b.WriteString(`<p>None.</p></section>`)
		return
	}
	b.WriteString(`<table><tr><th>Type</th><th>Entity</th><th>Key</th><th>Retries</th><th>Error</th></tr>`)
	for _, op := range ops {
		errText := ""
		if op.LastError != nil {
			errText = string(op.LastError.Code) + ": " + op.LastError.Message
		}
		fmt.Fprintf(b, `<tr><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%s</td></tr>`,
			esc(string(op.Type)), esc(op.Entity), esc(op.EntityKey), op.RetryCount, esc(errText))
	}
	b.WriteString(`</table></section>`)
}

// ErrorAlert renders an error message with its support code.
func ErrorAlert(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<div class="alert error" role="alert"><strong>%s</strong> <span>%s</span> <code>%s</code></div>`,
			esc(message), esc(action), esc(code))
		return err
	})
}

func esc(s string) string { return templ.EscapeString(s) }
