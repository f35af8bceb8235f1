package session

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cinesync/cinesync/internal/config"
	"github.com/cinesync/cinesync/internal/netprobe"
	"github.com/cinesync/cinesync/internal/playback"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:              "127.0.0.1",
		Port:              0,
		PortFallbackRange: 0,
		ShutdownGrace:     time.Second,
	}
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Port:                 0,
		PortFallbackRange:    0,
		LeadTime:             100 * time.Millisecond,
		SampleInterval:       250 * time.Millisecond,
		DriftInterval:        5 * time.Second,
		SyncCheckInterval:    5 * time.Second,
		ReadyTimeout:         15 * time.Second,
		ClientSilenceTimeout: 30 * time.Second,
		PinDigits:            6,
	}
}

func writeTestVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really mp4 bytes"), 0o644))
	return path
}

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	probe := &netprobe.StaticProbe{IP: "127.0.0.1", Connected: true}
	return NewRegistry(testServerConfig(), testSyncConfig(), probe, nil)
}

func TestHostPublishesWorkingEndpoints(t *testing.T) {
	r := setupRegistry(t)

	session, err := r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master-device", Name: "Living Room"}, playback.NewFakeEngine())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.End(context.Background(), session.ID) })

	assert.Len(t, session.PIN, 6)
	assert.Contains(t, session.VideoURL, "http://127.0.0.1:")
	assert.Contains(t, session.VideoURL, "/video/movie-1")
	assert.Contains(t, session.SyncURL, "ws://127.0.0.1:")

	// The stream endpoint serves the registered file.
	resp, err := http.Get(session.VideoURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "not really mp4 bytes", string(body))

	// The sync endpoint accepts WebSocket connections carrying the PIN.
	conn, _, err := websocket.DefaultDialer.Dial(session.SyncURL+"?pin="+session.PIN, nil)
	require.NoError(t, err)
	conn.Close()

	// Without the PIN the handshake is denied.
	_, resp, err = websocket.DefaultDialer.Dial(session.SyncURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHostWithoutNetwork(t *testing.T) {
	probe := &netprobe.StaticProbe{Connected: false}
	r := NewRegistry(testServerConfig(), testSyncConfig(), probe, nil)

	_, err := r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	assert.ErrorIs(t, err, ErrNoNetwork)
}

func TestHostMissingFile(t *testing.T) {
	r := setupRegistry(t)

	_, err := r.Host(context.Background(), "/nonexistent/movie.mp4", "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	assert.ErrorIs(t, err, ErrFileMissing)
	assert.Empty(t, r.Sessions())
}

func TestHostPortsExhausted(t *testing.T) {
	// Occupy the only candidate port for the stream server.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	serverCfg := testServerConfig()
	serverCfg.Port = blocker.Addr().(*net.TCPAddr).Port

	probe := &netprobe.StaticProbe{IP: "127.0.0.1", Connected: true}
	r := NewRegistry(serverCfg, testSyncConfig(), probe, nil)

	_, err = r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	assert.ErrorIs(t, err, ErrPortsExhausted)
	assert.Empty(t, r.Sessions())
}

func TestHostRollsBackOnSyncBindFailure(t *testing.T) {
	// Stream binds fine on an ephemeral port; the sync port is occupied.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	syncCfg := testSyncConfig()
	syncCfg.Port = blocker.Addr().(*net.TCPAddr).Port

	probe := &netprobe.StaticProbe{IP: "127.0.0.1", Connected: true}
	r := NewRegistry(testServerConfig(), syncCfg, probe, nil)

	_, err = r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	assert.ErrorIs(t, err, ErrPortsExhausted)

	// Nothing half-started is left behind.
	assert.Empty(t, r.Sessions())
}

func TestMintPINRetriesOnCollision(t *testing.T) {
	r := setupRegistry(t)

	// Force the first draw of the second mint to collide with the first.
	draws := []int{41_234, 41_234, 98_765}
	r.randInt = func(int) int {
		d := draws[0]
		if len(draws) > 1 {
			draws = draws[1:]
		}
		return d
	}

	first := r.mintPIN()
	second := r.mintPIN()

	assert.Equal(t, "141234", first)
	assert.Equal(t, "198765", second)
	assert.NotEqual(t, first, second)
}

func TestHostReplacesPriorSession(t *testing.T) {
	r := setupRegistry(t)

	first, err := r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	require.NoError(t, err)

	second, err := r.Host(context.Background(), writeTestVideo(t), "movie-2",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.End(context.Background(), second.ID) })

	// One session per master: the first is gone, its PIN reports closed.
	sessions := r.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, second.ID, sessions[0].ID)

	_, err = r.Join(first.PIN, Descriptor{DeviceID: "client-1"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = r.Join(second.PIN, Descriptor{DeviceID: "client-1"})
	assert.NoError(t, err)
}

func TestJoinResolvesPIN(t *testing.T) {
	r := setupRegistry(t)

	session, err := r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.End(context.Background(), session.ID) })

	snap, err := r.Join(session.PIN, Descriptor{DeviceID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, session.ID, snap.SessionID)
	assert.Equal(t, session.VideoURL, snap.VideoURL)
	assert.Equal(t, session.SyncURL, snap.SyncURL)

	_, err = r.Join("000000", Descriptor{DeviceID: "client-2"})
	assert.ErrorIs(t, err, ErrUnknownPIN)
}

func TestJoinAfterEndReportsClosed(t *testing.T) {
	r := setupRegistry(t)

	session, err := r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	require.NoError(t, err)

	pin := session.PIN
	require.NoError(t, r.End(context.Background(), session.ID))

	_, err = r.Join(pin, Descriptor{DeviceID: "client-1"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestEndClosesSyncPeersGracefully(t *testing.T) {
	r := setupRegistry(t)

	session, err := r.Host(context.Background(), writeTestVideo(t), "movie-1",
		Descriptor{DeviceID: "master"}, playback.NewFakeEngine())
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(session.SyncURL+"?pin="+session.PIN, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return session.Hub().PeerCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	require.NoError(t, r.End(context.Background(), session.ID))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// The stream endpoint is down as well.
	_, err = http.Get(session.VideoURL)
	assert.Error(t, err)
}
