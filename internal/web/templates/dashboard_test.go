package templates

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

func TestDashboard(t *testing.T) {
	data := DashboardData{
		Status: core.Status{
			Queue:    core.QueueStatus{Pending: 2, Failed: 1},
			Breakers: []core.BreakerSnapshot{{Name: "sheets", State: core.StateOpen, FailureCount: 5, Threshold: 5}},
			LastCycle: &core.CycleResult{
				RunID:    "run-1",
				Trigger:  core.TriggerSchedule,
				Entities: []core.EntityResult{{Entity: "seller", Created: []string{"S-1"}}},
			},
		},
		Failed: []core.SyncOperation{{
			Type:      core.OpUpdate,
			Entity:    "seller",
			EntityKey: "<S-2>",
			LastError: &core.SyncErrorDetails{Code: core.CodeValidation, Message: "bad"},
		}},
		Entities: []core.EntityDefinition{{Name: "seller", SheetRange: "Sellers!A:Z", Table: "sellers"}},
		Now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	var buf bytes.Buffer
	if err := Dashboard(data).Render(context.Background(), &buf); err != nil {
		t.Fatalf("Render error = %v", err)
	}
	html := buf.String()

	for _, want := range []string{"run-1", "sheets", "VALIDATION_ERROR: bad", "&lt;S-2&gt;", "Sellers!A:Z", "2024-06-01T12:00:00Z"} {
		if !strings.Contains(html, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
	if strings.Contains(html, "<S-2>") {
		t.Error("entity key not escaped")
	}
}

func TestDashboard_NoCycle(t *testing.T) {
	var buf bytes.Buffer
	if err := Dashboard(DashboardData{}).Render(context.Background(), &buf); err != nil {
		t.Fatalf("Render error = %v", err)
	}
	if !strings.Contains(buf.String(), "No cycle has run yet.") {
		t.Error("missing empty-state text")
	}
}

func TestErrorAlert(t *testing.T) {
	var buf bytes.Buffer
	ErrorAlert("Busy <now>", "Wait", "CYC001").Render(context.Background(), &buf)
	if !strings.Contains(buf.String(), "Busy &lt;now&gt;") || !strings.Contains(buf.String(), "CYC001") {
		t.Errorf("ErrorAlert = %s", buf.String())
	}
}
