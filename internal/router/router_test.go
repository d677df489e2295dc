package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/cmdguard/internal/observability"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (r *recordingAudit) LogAction(_ context.Context, e security.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) last() security.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func available(v bool) (Prober, *atomic.Int32) {
	var calls atomic.Int32
	return ProberFunc(func(context.Context) bool {
		calls.Add(1)
		return v
	}), &calls
}

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func TestRoute_Scenarios(t *testing.T) {
	prober, _ := available(true)
	r := newTestRouter(t, Options{Enabled: true, Prober: prober})

	tests := []struct {
		name    string
		command string
		mode    string
		network string
	}{
		{"read only", "ls -la", sandbox.ModeDirect, sandbox.NetworkNone},
		{"git status", "git status", sandbox.ModeDirect, sandbox.NetworkNone},
		{"package install", "npm install left-pad", sandbox.ModeSandbox, sandbox.NetworkBridge},
		{"pip install", "pip install requests", sandbox.ModeSandbox, sandbox.NetworkBridge},
		{"python glob", "python3.12 script.py", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"build offline", "make build", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"npm test offline", "npm test", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"install then test", "npm ci && npm test", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"install twice", "npm ci && pip install -r requirements.txt", sandbox.ModeSandbox, sandbox.NetworkBridge},
		{"risky mutator", "rm build.log", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"network fetcher", "curl https://example.com", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"subshell", "echo $(whoami)", sandbox.ModeDirect, sandbox.NetworkNone},
		{"subshell unknown", "echo $(mytool)", sandbox.ModeSandbox, sandbox.NetworkNone},
		{"wrapped package manager", "nice -n 5 npm install", sandbox.ModeSandbox, sandbox.NetworkBridge},
		{"pipeline of readers", "cat go.mod | grep module | wc -l", sandbox.ModeDirect, sandbox.NetworkNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(context.Background(), tt.command)
			assert.Equal(t, tt.mode, d.Mode, "reason: %s", d.Reason)
			assert.Equal(t, tt.network, d.Network)
			assert.False(t, d.Downgraded)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestRoute_Disabled(t *testing.T) {
	prober, calls := available(true)
	r := newTestRouter(t, Options{Enabled: false, Prober: prober})

	d := r.Route(context.Background(), "npm install left-pad")
	assert.Equal(t, sandbox.ModeDirect, d.Mode)
	assert.Equal(t, "sandboxing disabled", d.Reason)
	assert.Zero(t, calls.Load(), "disabled router must not probe")

	r.SetEnabled(true)
	assert.True(t, r.Enabled())
	assert.Equal(t, sandbox.ModeSandbox, r.Route(context.Background(), "npm install left-pad").Mode)
}

func TestRoute_DowngradeWhenUnavailable(t *testing.T) {
	prober, _ := available(false)
	audit := &recordingAudit{}
	metrics := observability.NewMetricsCollector()
	r := newTestRouter(t, Options{Enabled: true, Prober: prober, Audit: audit, Metrics: metrics})

	d := r.Route(context.Background(), "npm install left-pad")
	assert.Equal(t, sandbox.ModeDirect, d.Mode)
	assert.True(t, d.Downgraded)
	assert.Equal(t, ErrSandboxUnavailable.Error(), d.Warning)
	assert.Equal(t, sandbox.NetworkNone, d.Network)

	ev := audit.last()
	assert.Equal(t, security.ActionRoute, ev.Action)
	assert.Equal(t, security.ResultDowngraded, ev.Result)
	assert.Equal(t, sandbox.ModeDirect, ev.Decision)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SandboxDowngradesTotal))

	// Direct routes never count as downgrades.
	r.Route(context.Background(), "ls")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SandboxDowngradesTotal))
}

func TestRoute_NilProberDowngrades(t *testing.T) {
	r := newTestRouter(t, Options{Enabled: true})
	d := r.Route(context.Background(), "cargo build")
	assert.True(t, d.Downgraded)
}

func TestRoute_ProbeMemoized(t *testing.T) {
	prober, calls := available(true)
	r := newTestRouter(t, Options{Enabled: true, Prober: prober})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Route(context.Background(), "make")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	r.ResetProbe()
	r.Route(context.Background(), "make")
	assert.Equal(t, int32(2), calls.Load())
}

func TestRoute_CanceledContextDoesNotPoisonProbe(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context) bool { return ctx.Err() == nil })
	r := newTestRouter(t, Options{Enabled: true, Prober: prober})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := r.Route(ctx, "cargo build")
	assert.False(t, d.Downgraded)
	assert.Equal(t, sandbox.ModeSandbox, d.Mode)

	d = r.Route(context.Background(), "cargo build")
	assert.False(t, d.Downgraded, "later requests must see the live runtime")
}

func TestRoute_ProbeOnlyForSandbox(t *testing.T) {
	prober, calls := available(true)
	r := newTestRouter(t, Options{Enabled: true, Prober: prober})
	r.Route(context.Background(), "ls -la")
	assert.Zero(t, calls.Load())
}

func TestRoute_EveryDecisionAudited(t *testing.T) {
	prober, _ := available(true)
	audit := &recordingAudit{}
	r := newTestRouter(t, Options{Enabled: true, Prober: prober, Audit: audit})

	r.Route(context.Background(), "ls")
	r.Route(context.Background(), "npm install")
	require.Len(t, audit.events, 2)
	assert.Equal(t, sandbox.ModeDirect, audit.events[0].Decision)
	assert.Equal(t, sandbox.ModeSandbox, audit.events[1].Decision)
	assert.Equal(t, sandbox.NetworkBridge, audit.events[1].Parameters["network"])
	assert.Equal(t, security.ResultAllowed, audit.events[1].Result)
}

func TestRoute_CustomLists(t *testing.T) {
	prober, _ := available(true)
	r := newTestRouter(t, Options{
		Enabled:       true,
		Prober:        prober,
		NeverSandbox:  []string{"make"},
		AlwaysSandbox: []string{"terraform*"},
	})
	// Never wins because it is checked first.
	assert.Equal(t, sandbox.ModeDirect, r.Route(context.Background(), "make test").Mode)
	assert.Equal(t, sandbox.ModeSandbox, r.Route(context.Background(), "terraform-docs .").Mode)
}

func TestRoute_Unparseable(t *testing.T) {
	prober, _ := available(true)
	r := newTestRouter(t, Options{Enabled: true, Prober: prober})
	assert.Equal(t, sandbox.ModeSandbox, r.Route(context.Background(), "echo 'unterminated").Mode)
	assert.Equal(t, sandbox.ModeDirect, r.Route(context.Background(), "   ").Mode)
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Options{AlwaysSandbox: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestNeedsNetwork(t *testing.T) {
	assert.True(t, needsNetwork("npm", []string{"install", "left-pad"}))
	assert.True(t, needsNetwork("go", []string{"mod", "download"}))
	assert.True(t, needsNetwork("npx", []string{"prettier"}))
	assert.True(t, needsNetwork("pip", []string{"--quiet", "install", "x"}))
	assert.False(t, needsNetwork("npm", []string{"run", "lint"}))
	assert.False(t, needsNetwork("go", []string{"test", "./..."}))
	assert.False(t, needsNetwork("make", []string{"install"}))
	assert.False(t, needsNetwork("npm", nil))
}
