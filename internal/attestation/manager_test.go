package attestation

import (
	"context"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/guestpull/internal/log"
)

type fakeSpawner struct {
	mu    sync.Mutex
	calls int
	args  [][]string
	err   error
	delay time.Duration
}

func (f *fakeSpawner) Spawn(binary string, args []string, logPath string) (int, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.args = append(f.args, append([]string{binary}, args...))
	if f.err != nil {
		return 0, f.err
	}
	return 4242, nil
}

func (f *fakeSpawner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOptions(t *testing.T, sp Spawner) Options {
	t.Helper()
	return Options{
		Binary:            "/usr/local/bin/attestation-agent",
		KeyProviderAddr:   "127.0.0.1:50000",
		GetResourceAddr:   "127.0.0.1:50001",
		KeyProviderConfig: filepath.Join(t.TempDir(), "ocicrypt_config.json"),
		Spawner:           sp,
	}
}

func TestEnsureStarted_EmptyParamsIsNoop(t *testing.T) {
	sp := &fakeSpawner{}
	m := NewManager(testOptions(t, sp))

	require.NoError(t, m.EnsureStarted(context.Background(), ""))
	assert.Equal(t, 0, sp.Calls())
	assert.Equal(t, NotStarted, m.State())
}

func TestEnsureStarted_WritesConfigAndSpawns(t *testing.T) {
	sp := &fakeSpawner{}
	opts := testOptions(t, sp)
	m := NewManager(opts)

	require.NoError(t, m.EnsureStarted(context.Background(), "offline_fs_kbc::null"))
	assert.Equal(t, Running, m.State())

	data, err := os.ReadFile(opts.KeyProviderConfig)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key-providers":{"attestation-agent":{"grpc":"127.0.0.1:50000"}}}`, string(data))

	require.Len(t, sp.args, 1)
	assert.Equal(t, []string{
		"/usr/local/bin/attestation-agent",
		"--keyprovider_sock", "127.0.0.1:50000",
		"--getresource_sock", "127.0.0.1:50001",
	}, sp.args[0])

	// Already running: no second spawn.
	require.NoError(t, m.EnsureStarted(context.Background(), "offline_fs_kbc::null"))
	assert.Equal(t, 1, sp.Calls())
}

func TestEnsureStarted_ConcurrentCallersSpawnOnce(t *testing.T) {
	sp := &fakeSpawner{delay: 20 * time.Millisecond}
	m := NewManager(testOptions(t, sp))

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			return m.EnsureStarted(context.Background(), "kbc::uri")
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, sp.Calls())
	assert.Equal(t, Running, m.State())
}

func TestEnsureStarted_FailureResetsState(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("exec format error")}
	var hookErrs []error
	opts := testOptions(t, sp)
	opts.OnStartup = func(_ context.Context, err error) { hookErrs = append(hookErrs, err) }
	m := NewManager(opts)

	err := m.EnsureStarted(context.Background(), "kbc::uri")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Contains(t, err.Error(), "exec format error")
	assert.Equal(t, NotStarted, m.State())

	sp.mu.Lock()
	sp.err = nil
	sp.mu.Unlock()

	require.NoError(t, m.EnsureStarted(context.Background(), "kbc::uri"))
	assert.Equal(t, Running, m.State())
	assert.Equal(t, 2, sp.Calls())

	require.Len(t, hookErrs, 2)
	assert.Error(t, hookErrs[0])
	assert.NoError(t, hookErrs[1])
}

func TestEnsureStarted_ConfigWriteFailure(t *testing.T) {
	sp := &fakeSpawner{}
	opts := testOptions(t, sp)

	// A regular file where the parent directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	opts.KeyProviderConfig = filepath.Join(blocker, "ocicrypt_config.json")

	m := NewManager(opts)
	require.Error(t, m.EnsureStarted(context.Background(), "kbc::uri"))
	assert.Equal(t, 0, sp.Calls())
	assert.Equal(t, NotStarted, m.State())
}

func TestEnsureStarted_ReadyHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepted atomic.Bool
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Store(true)
			c.Close()
		}
	}()

	opts := testOptions(t, &fakeSpawner{})
	opts.KeyProviderAddr = ln.Addr().String()
	opts.ReadyTimeout = 2 * time.Second
	m := NewManager(opts)

	require.NoError(t, m.EnsureStarted(context.Background(), "kbc::uri"))
	assert.Equal(t, Running, m.State())
	assert.Eventually(t, accepted.Load, time.Second, 10*time.Millisecond)
}

func TestEnsureStarted_ReadyTimeout(t *testing.T) {
	// Grab a free port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	opts := testOptions(t, &fakeSpawner{})
	opts.KeyProviderAddr = addr
	opts.ReadyTimeout = 150 * time.Millisecond
	m := NewManager(opts)

	err = m.EnsureStarted(context.Background(), "kbc::uri")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
	assert.Equal(t, NotStarted, m.State())
}

func TestWriteKeyProviderConfig_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ocicrypt_config.json")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	require.NoError(t, WriteKeyProviderConfig(path, "127.0.0.1:50000"))

	var got keyProviderConfig
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "127.0.0.1:50000", got.KeyProviders[ProviderName].GRPC)
}

func TestDecryptionKey(t *testing.T) {
	assert.Equal(t, "provider:attestation-agent:eaa_kbc::1.2.3.4:50000", DecryptionKey("eaa_kbc::1.2.3.4:50000"))
}

func TestProcessSpawner_WritesLog(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	logPath := filepath.Join(t.TempDir(), "aa.log")

	pid, err := ProcessSpawner{}.Spawn("/bin/sh", []string{"-c", "echo started"}, logPath)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && string(data) == "started\n"
	}, 5*time.Second, 20*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	log.SetOutput(buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return buf
}

func TestProcessSpawner_ReapsExitedAgent(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	logs := captureLog(t)

	pid, err := ProcessSpawner{}.Spawn("/bin/sh", []string{"-c", "exit 4"}, "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("attestation agent exited"))
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, logs.String(), "exit status 4")
	assert.Contains(t, logs.String(), fmt.Sprintf("pid=%d", pid))

	// A reaped child leaves no zombie entry behind.
	if _, err := os.Stat("/proc/self"); err == nil {
		assert.Eventually(t, func() bool {
			_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
			return os.IsNotExist(err)
		}, 5*time.Second, 20*time.Millisecond)
	}
}

func TestProcessSpawner_UnwritableLogWarns(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	logs := captureLog(t)

	// A regular file where the log directory should be.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	logPath := filepath.Join(blocker, "aa.log")

	pid, err := ProcessSpawner{}.Spawn("/bin/sh", []string{"-c", "true"}, logPath)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	out := logs.String()
	assert.Contains(t, out, "attestation agent output will be discarded")
	assert.Contains(t, out, logPath)
}
