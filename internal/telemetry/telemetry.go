// Package telemetry sends anonymous usage events to PostHog.
package telemetry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"go.uber.org/zap"
)

// Event names.
const (
	AppStarted      = "app_started"
	SearchExecuted  = "search_executed"
	ClusterExecuted = "cluster_executed"
	ExportRequested = "export_requested"
	SpecImported    = "spec_imported"
	SpecExported    = "spec_exported"
)

// Tracker captures events. A Tracker without a client drops everything.
type Tracker struct {
	client     posthog.Client
	distinctID string
	logger     *zap.Logger
}

// New creates a tracker. An empty key or optOut disables capture.
func New(key, host, idFile string, optOut bool, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{logger: logger.Named("telemetry")}
	if key == "" || optOut {
		return t
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		t.logger.Warn("failed to initialize PostHog", zap.Error(err))
		return t
	}
	t.client = client
	t.distinctID = InstallID(idFile)
	return t
}

// InstallID returns the random id stored in path, creating it on first use.
// Events are attributed to the installation, never to a person.
func InstallID(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
		_ = os.WriteFile(path, []byte(id), 0644)
	}
	return id
}

// Enabled reports whether events are sent.
func (t *Tracker) Enabled() bool { return t.client != nil }

// Track enqueues an event.
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if t.client == nil {
		return
	}
	err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: props,
	})
	if err != nil {
		t.logger.Debug("event dropped", zap.String("event", event), zap.Error(err))
	}
}

// Close flushes pending events.
func (t *Tracker) Close() {
	if t.client != nil {
		t.client.Close()
	}
}
