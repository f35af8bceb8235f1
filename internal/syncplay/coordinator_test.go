package syncplay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinesync/cinesync/internal/playback"
	"github.com/cinesync/cinesync/internal/protocol"
)

type captureBroadcaster struct {
	mu        sync.Mutex
	envelopes []protocol.CommandEnvelope
	peers     int
}

func (b *captureBroadcaster) Broadcast(v any) int {
	env, ok := v.(protocol.CommandEnvelope)
	if !ok {
		return 0
	}
	b.mu.Lock()
	b.envelopes = append(b.envelopes, env)
	b.mu.Unlock()
	return b.peers
}

func (b *captureBroadcaster) byAction(action protocol.Action) []protocol.CommandEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.CommandEnvelope
	for _, env := range b.envelopes {
		if env.Action == action {
			out = append(out, env)
		}
	}
	return out
}

func coordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SenderID:          "master",
		LeadTime:          100 * time.Millisecond,
		SampleInterval:    250 * time.Millisecond,
		SyncCheckInterval: 5 * time.Second,
		ReadyTimeout:      15 * time.Second,
	}
}

func setupCoordinator(t *testing.T, cfg CoordinatorConfig) (*Coordinator, *playback.FakeEngine, *captureBroadcaster) {
	t.Helper()

	engine := playback.NewFakeEngine()
	broadcaster := &captureBroadcaster{peers: 2}
	c := NewCoordinator(cfg, engine, broadcaster, nil)
	t.Cleanup(c.Close)
	return c, engine, broadcaster
}

func TestCoordinatorLoadBroadcastsStreamURL(t *testing.T) {
	c, _, b := setupCoordinator(t, coordinatorConfig())

	require.NoError(t, c.Load("movie-1", "http://192.168.1.10:8080/video/movie-1"))

	loads := b.byAction(protocol.ActionLoad)
	require.Len(t, loads, 1)
	assert.Equal(t, "movie-1", loads[0].MovieID)
	assert.Equal(t, "http://192.168.1.10:8080/video/movie-1", loads[0].Metadata[metadataStreamURLKey])
	assert.Equal(t, "master", loads[0].SenderID)
}

func TestCoordinatorLoadResetsReadyFlags(t *testing.T) {
	c, _, _ := setupCoordinator(t, coordinatorConfig())

	c.HandleStatus("client-1", protocol.StatusReport{ClientID: "client-1", IsReady: true})
	require.True(t, c.AllReady())

	require.NoError(t, c.Load("movie-2", "http://host/video/movie-2"))
	assert.False(t, c.AllReady())
}

func TestCoordinatorStartCarriesLeadTime(t *testing.T) {
	c, engine, b := setupCoordinator(t, coordinatorConfig())
	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))

	before := time.Now()
	require.NoError(t, c.StartPlayback())

	starts := b.byAction(protocol.ActionStart)
	require.Len(t, starts, 1)

	target := time.UnixMilli(starts[0].TargetStartTime)
	lead := target.Sub(before)
	assert.Greater(t, lead, 50*time.Millisecond)
	assert.Less(t, lead, 200*time.Millisecond)

	// The master engine itself starts at the target, not immediately.
	assert.False(t, engine.IsPlaying())
	assert.Eventually(t, engine.IsPlaying, time.Second, 10*time.Millisecond)
}

func TestCoordinatorPauseBroadcastsPosition(t *testing.T) {
	c, engine, b := setupCoordinator(t, coordinatorConfig())
	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))

	engine.SetPosition(90 * time.Second)
	require.NoError(t, c.Pause())

	pauses := b.byAction(protocol.ActionPause)
	require.Len(t, pauses, 1)
	assert.InDelta(t, 90_000, pauses[0].VideoPosition, 100)
}

func TestCoordinatorSeekBroadcastsPosition(t *testing.T) {
	c, engine, b := setupCoordinator(t, coordinatorConfig())
	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))

	require.NoError(t, c.Seek(42*time.Second))

	seeks := b.byAction(protocol.ActionSeek)
	require.Len(t, seeks, 1)
	assert.Equal(t, int64(42_000), seeks[0].SeekPosition)
	assert.InDelta(t, 42_000, engine.Position().Milliseconds(), 100)
}

func TestCoordinatorAllReadyTracksRoster(t *testing.T) {
	c, _, _ := setupCoordinator(t, coordinatorConfig())

	assert.True(t, c.AllReady())

	c.HandleStatus("client-1", protocol.StatusReport{ClientID: "client-1", IsReady: true})
	c.HandleStatus("client-2", protocol.StatusReport{ClientID: "client-2", IsReady: false})
	assert.False(t, c.AllReady())

	c.HandleStatus("client-2", protocol.StatusReport{ClientID: "client-2", IsReady: true})
	assert.True(t, c.AllReady())

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "client-1", devices[0].ClientID)
	assert.Equal(t, "client-2", devices[1].ClientID)
}

func TestCoordinatorDisconnectRemovesDevice(t *testing.T) {
	c, _, _ := setupCoordinator(t, coordinatorConfig())

	c.HandleStatus("client-1", protocol.StatusReport{ClientID: "client-1", IsReady: false})
	require.False(t, c.AllReady())

	c.HandleDisconnect("client-1")
	assert.True(t, c.AllReady())
	assert.Empty(t, c.Devices())
}

func TestCoordinatorStatusUpdatesDriftQuality(t *testing.T) {
	c, _, _ := setupCoordinator(t, coordinatorConfig())

	c.HandleStatus("client-1", protocol.StatusReport{
		ClientID:         "client-1",
		Drift:            -350,
		VideoPosition:    61_000,
		IsPlaying:        true,
		BufferPercentage: 80,
		IsReady:          true,
	})

	devices := c.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, int64(-350), devices[0].Drift)
	assert.Equal(t, QualityPoor, devices[0].Quality)
	assert.Equal(t, 80, devices[0].BufferPercent)
	assert.True(t, devices[0].IsPlaying)
}

func TestCoordinatorSyncCheckCadence(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.SyncCheckInterval = 50 * time.Millisecond
	c, engine, b := setupCoordinator(t, cfg)

	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))
	require.NoError(t, engine.Play())

	c.Sample()
	require.Len(t, b.byAction(protocol.ActionSyncCheck), 1)

	// A second sample inside the cadence emits nothing.
	c.Sample()
	assert.Len(t, b.byAction(protocol.ActionSyncCheck), 1)

	time.Sleep(60 * time.Millisecond)
	c.Sample()
	assert.Len(t, b.byAction(protocol.ActionSyncCheck), 2)
}

func TestCoordinatorNoSyncCheckWhilePaused(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.SyncCheckInterval = time.Millisecond
	c, _, b := setupCoordinator(t, cfg)

	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))

	c.Sample()
	assert.Empty(t, b.byAction(protocol.ActionSyncCheck))
}

func TestCoordinatorMarksStragglersDegraded(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.ReadyTimeout = 30 * time.Millisecond
	c, _, _ := setupCoordinator(t, cfg)

	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))
	c.HandleStatus("client-1", protocol.StatusReport{ClientID: "client-1", IsReady: false})

	time.Sleep(50 * time.Millisecond)
	c.Sample()

	devices := c.Devices()
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Degraded)

	// A late ready report clears the degraded flag; the device was never
	// removed from the roster.
	c.HandleStatus("client-1", protocol.StatusReport{ClientID: "client-1", IsReady: true})
	devices = c.Devices()
	assert.False(t, devices[0].Degraded)
}

func TestCoordinatorTimelineSampling(t *testing.T) {
	c, engine, _ := setupCoordinator(t, coordinatorConfig())
	require.NoError(t, c.Load("movie-1", "http://host/video/movie-1"))

	engine.SetPosition(30 * time.Second)
	require.NoError(t, engine.Play())
	c.Sample()

	position, sampledAt, playing := c.Timeline()
	assert.InDelta(t, 30_000, position, 100)
	assert.WithinDuration(t, time.Now(), sampledAt, time.Second)
	assert.True(t, playing)
}
