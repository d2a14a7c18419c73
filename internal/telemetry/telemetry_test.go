package telemetry

import (
	"path/filepath"
	"testing"

	"github.com/posthog/posthog-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	posthog.Client
	captured []posthog.Capture
	closed   bool
}

func (f *fakeClient) Enqueue(m posthog.Message) error {
	f.captured = append(f.captured, m.(posthog.Capture))
	return nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestDisabledWithoutKey(t *testing.T) {
	tr := New("", "", filepath.Join(t.TempDir(), "id"), false, nil)
	assert.False(t, tr.Enabled())
	tr.Track(AppStarted, nil)
	tr.Close()

	tr = New("key", "", filepath.Join(t.TempDir(), "id"), true, nil)
	assert.False(t, tr.Enabled())
}

func TestTrack(t *testing.T) {
	fake := &fakeClient{}
	tr := &Tracker{client: fake, distinctID: "install-1", logger: zap.NewNop()}

	tr.Track(SearchExecuted, map[string]interface{}{"features": 2})
	tr.Close()

	require.Len(t, fake.captured, 1)
	assert.Equal(t, "install-1", fake.captured[0].DistinctId)
	assert.Equal(t, SearchExecuted, fake.captured[0].Event)
	assert.Equal(t, 2, fake.captured[0].Properties["features"])
	assert.True(t, fake.closed)
}

func TestInstallIDIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry", "install_id")
	first := InstallID(path)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, InstallID(path))
}
