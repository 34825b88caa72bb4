package connection

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-trainer/core/executor"
	"remote-trainer/core/models"
)

type fakeDescriber struct {
	calls    int
	readyAt  int
	runtime  models.RuntimeDescription
	failures int
}

func (f *fakeDescriber) DescribeInstance(context.Context, string) (*models.RuntimeDescription, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("pod not found")
	}
	desc := f.runtime
	desc.Ready = f.calls >= f.readyAt
	return &desc, nil
}

type fakeGateway struct {
	fields  map[string]string
	types   map[string][]models.SchemaField
	queried []string
}

func (g *fakeGateway) InstanceField(_ context.Context, _ string, path ...string) (string, error) {
	key := filepath.Join(path...)
	g.queried = append(g.queried, key)
	v, ok := g.fields[key]
	if !ok {
		return "", errors.New("Cannot query field")
	}
	return v, nil
}

func (g *fakeGateway) TypeFields(_ context.Context, name string) ([]models.SchemaField, error) {
	return g.types[name], nil
}

// handshakeExecutor answers "true" with exit 0 only for allowed users
type handshakeExecutor struct {
	conn    models.ConnectionInfo
	allowed map[string]bool
	log     *handshakeLog
}

type handshakeLog struct {
	mu    sync.Mutex
	users []string
}

func (h *handshakeExecutor) Run(context.Context, string, io.Reader) (*executor.Result, error) {
	h.log.mu.Lock()
	h.log.users = append(h.log.users, h.conn.User)
	h.log.mu.Unlock()
	if h.allowed[h.conn.User] {
		return &executor.Result{}, nil
	}
	return nil, errors.New("ssh: handshake failed: unable to authenticate")
}

func (h *handshakeExecutor) RunToFile(context.Context, string, string) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func (h *handshakeExecutor) RunStream(context.Context, string, func(string)) (*executor.Result, error) {
	return &executor.Result{}, nil
}

func (h *handshakeExecutor) Close() error { return nil }

func handshakeFactory(allowed map[string]bool, log *handshakeLog) executor.Factory {
	return func(conn models.ConnectionInfo) (executor.RemoteExecutor, error) {
		return &handshakeExecutor{conn: conn, allowed: allowed, log: log}, nil
	}
}

func writeKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, []byte("key"), 0o600))
	return path
}

func directRuntime() models.RuntimeDescription {
	return models.RuntimeDescription{
		Ports: []models.PortMapping{
			{IP: "203.0.113.7", PrivatePort: 22, PublicPort: 40122, IsPublic: true, Type: "tcp"},
			{IP: "100.64.0.2", PrivatePort: 8888, PublicPort: 8888, IsPublic: false, Type: "http"},
		},
	}
}

func newTestResolver(t *testing.T, d InstanceDescriber, gw GatewayClient, f executor.Factory, opts Options) *Resolver {
	t.Helper()
	r := NewResolver(d, gw, DefaultProbes("sshCommand", "ssh.runpod.io"), f,
		NewRecordStore(filepath.Join(t.TempDir(), "remote-connection.json")), opts)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r
}

func TestResolvePrimaryGatewayField(t *testing.T) {
	key := writeKey(t)
	gw := &fakeGateway{fields: map[string]string{"sshCommand": "ssh pod123-6441@ssh.runpod.io -i ~/.ssh/id_ed25519"}}
	log := &handshakeLog{}
	r := newTestResolver(t, &fakeDescriber{readyAt: 3, runtime: directRuntime()}, gw, handshakeFactory(nil, log),
		Options{ReadinessAttempts: 5, HandshakeAttempts: 2})

	conn, err := r.Resolve(context.Background(), "pod123", key)
	require.NoError(t, err)

	assert.Equal(t, "pod123-6441", conn.User)
	assert.Equal(t, "ssh.runpod.io", conn.Host)
	assert.Equal(t, models.ConnectionGateway, conn.Mode)
	assert.Equal(t, key, conn.KeyPath)
	assert.Empty(t, log.users, "direct path must not run once the gateway resolved")

	saved, err := r.records.Load()
	require.NoError(t, err)
	assert.Equal(t, conn.User, saved.User)
}

func TestResolveSchemaProbe(t *testing.T) {
	key := writeKey(t)
	gw := &fakeGateway{
		fields: map[string]string{"runtime/sshLogin": "abc@ssh.runpod.io"},
		types: map[string][]models.SchemaField{
			"Pod": {
				{Name: "id", Kind: "SCALAR", TypeName: "String"},
				{Name: "runtime", Kind: "OBJECT", TypeName: "PodRuntime"},
			},
			"PodRuntime": {
				{Name: "uptimeInSeconds", Kind: "SCALAR", TypeName: "Int"},
				{Name: "sshLogin", Kind: "SCALAR", TypeName: "String"},
			},
		},
	}
	r := newTestResolver(t, &fakeDescriber{readyAt: 1}, gw, handshakeFactory(nil, &handshakeLog{}), Options{})

	conn, err := r.Resolve(context.Background(), "pod1", key)
	require.NoError(t, err)
	assert.Equal(t, "abc", conn.User)
}

func TestResolveHostIDProbe(t *testing.T) {
	key := writeKey(t)
	gw := &fakeGateway{fields: map[string]string{"sshCommand": "", "machine/podHostId": "xyz-64410f"}}
	r := newTestResolver(t, &fakeDescriber{readyAt: 1}, gw, handshakeFactory(nil, &handshakeLog{}), Options{})

	conn, err := r.Resolve(context.Background(), "pod1", key)
	require.NoError(t, err)
	assert.Equal(t, "xyz-64410f", conn.User)
	assert.Equal(t, "ssh.runpod.io", conn.Host)
}

func TestResolveDirectFallbackAfterGateway(t *testing.T) {
	key := writeKey(t)
	gw := &fakeGateway{fields: map[string]string{}}
	log := &handshakeLog{}
	r := newTestResolver(t, &fakeDescriber{readyAt: 1, failures: 2, runtime: directRuntime()}, gw,
		handshakeFactory(map[string]bool{"ubuntu": true}, log),
		Options{ReadinessAttempts: 5, HandshakeAttempts: 3})

	conn, err := r.Resolve(context.Background(), "pod1", key)
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionDirect, conn.Mode)
	assert.Equal(t, "ubuntu", conn.User)
	assert.Equal(t, "203.0.113.7", conn.Host)
	assert.Equal(t, 40122, conn.Port)
	assert.Equal(t, []string{"root", "root", "root", "ubuntu"}, log.users)
	assert.NotEmpty(t, gw.queried, "gateway is always probed before direct")
}

func TestResolveDirectOnlySkipsGateway(t *testing.T) {
	key := writeKey(t)
	gw := &fakeGateway{fields: map[string]string{"sshCommand": "a@ssh.runpod.io"}}
	r := newTestResolver(t, &fakeDescriber{readyAt: 1, runtime: directRuntime()}, gw,
		handshakeFactory(map[string]bool{"root": true}, &handshakeLog{}),
		Options{DirectOnly: true, CandidateUsers: []string{"root"}})

	conn, err := r.Resolve(context.Background(), "pod1", key)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionDirect, conn.Mode)
	assert.Empty(t, gw.queried)
}

func TestResolveManualOverride(t *testing.T) {
	key := writeKey(t)
	r := newTestResolver(t, &fakeDescriber{readyAt: 1}, &fakeGateway{}, handshakeFactory(nil, &handshakeLog{}), Options{})
	require.NoError(t, r.records.Save(models.ConnectionInfo{User: "manual-user", KeyPath: key}))

	conn, err := r.Resolve(context.Background(), "pod1", "")
	require.NoError(t, err)
	assert.Equal(t, "manual-user", conn.User)
	assert.Equal(t, "ssh.runpod.io", conn.Host)
	assert.Equal(t, models.ConnectionGateway, conn.Mode)
}

func TestResolveIgnoresRecordOfAnotherInstance(t *testing.T) {
	key := writeKey(t)
	records := NewRecordStore(filepath.Join(t.TempDir(), "remote-connection.json"))
	allow := handshakeFactory(map[string]bool{"root": true}, &handshakeLog{})

	resolve := func(instanceID, ip string) *models.ConnectionInfo {
		runtime := models.RuntimeDescription{Ports: []models.PortMapping{
			{IP: ip, PrivatePort: 22, PublicPort: 40122, IsPublic: true, Type: "tcp"},
		}}
		r := NewResolver(&fakeDescriber{readyAt: 1, runtime: runtime}, &fakeGateway{}, nil, allow, records,
			Options{DirectOnly: true, CandidateUsers: []string{"root"}})
		r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
		conn, err := r.Resolve(context.Background(), instanceID, key)
		require.NoError(t, err)
		return conn
	}

	first := resolve("i-first", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", first.Host)

	saved, err := records.Load()
	require.NoError(t, err)
	assert.Equal(t, "i-first", saved.InstanceID)

	second := resolve("i-second", "198.51.100.20")
	assert.Equal(t, "198.51.100.20", second.Host)
	assert.Equal(t, models.ConnectionDirect, second.Mode)

	saved, err = records.Load()
	require.NoError(t, err)
	assert.Equal(t, "i-second", saved.InstanceID)
}

func TestResolveRecordOfSameInstance(t *testing.T) {
	key := writeKey(t)
	r := newTestResolver(t, &fakeDescriber{readyAt: 1}, &fakeGateway{}, handshakeFactory(nil, &handshakeLog{}), Options{})
	require.NoError(t, r.records.Save(models.ConnectionInfo{User: "pod1-77", Host: "ssh.runpod.io", KeyPath: key, InstanceID: "pod1"}))

	conn, err := r.Resolve(context.Background(), "pod1", "")
	require.NoError(t, err)
	assert.Equal(t, "pod1-77", conn.User)

	_, err = r.Resolve(context.Background(), "pod2", "")
	var discErr *models.ConnectionDiscoveryError
	assert.ErrorAs(t, err, &discErr)
}

func TestResolveAllStrategiesFail(t *testing.T) {
	key := writeKey(t)
	r := newTestResolver(t, &fakeDescriber{readyAt: 1, runtime: directRuntime()}, &fakeGateway{},
		handshakeFactory(nil, &handshakeLog{}), Options{HandshakeAttempts: 2})

	_, err := r.Resolve(context.Background(), "pod1", key)
	var discErr *models.ConnectionDiscoveryError
	require.ErrorAs(t, err, &discErr)
	assert.Equal(t, "pod1", discErr.InstanceID)
	assert.Contains(t, err.Error(), "remote-connection.json")
}

func TestResolveMissingKey(t *testing.T) {
	r := newTestResolver(t, &fakeDescriber{readyAt: 1}, &fakeGateway{}, handshakeFactory(nil, &handshakeLog{}), Options{})

	_, err := r.Resolve(context.Background(), "pod1", filepath.Join(t.TempDir(), "nope"))
	var cfgErr *models.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Remediation, "key_path")
}

func TestResolveCancelled(t *testing.T) {
	key := writeKey(t)
	r := newTestResolver(t, &fakeDescriber{readyAt: 100}, &fakeGateway{}, handshakeFactory(nil, &handshakeLog{}),
		Options{ReadinessAttempts: 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "pod1", key)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveKeyPrecedence(t *testing.T) {
	override := writeKey(t)
	record := writeKey(t)
	env := writeKey(t)

	got, err := ResolveKeyPath(KeySources{Override: override, Record: record, Env: env}, "rec.json")
	require.NoError(t, err)
	assert.Equal(t, override, got)

	got, err = ResolveKeyPath(KeySources{Record: record, Env: env}, "rec.json")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	got, err = ResolveKeyPath(KeySources{Env: env, DefaultKey: "~/.ssh/missing"}, "rec.json")
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestExtractLogin(t *testing.T) {
	user, host, ok := ExtractLogin("ssh root@203.0.113.7 -p 22")
	assert.True(t, ok)
	assert.Equal(t, "root", user)
	assert.Equal(t, "203.0.113.7", host)

	_, _, ok = ExtractLogin("not a login")
	assert.False(t, ok)
}
