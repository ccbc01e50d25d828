package producer

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/probes/kernelevents"
	"github.com/yairfalse/probed/pkg/task"
	"github.com/yairfalse/probed/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestProducer(t *testing.T, lb *transport.Loopback) (*Producer, *task.Runner) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runner := task.New(logger)
	p := New(logger, runner, lb.Connect, Config{
		TraceFSRoot:  t.TempDir(),
		FlushTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(runner.Quit)
	t.Cleanup(func() { onRunner(runner, p.Close) })
	return p, runner
}

// onRunner runs fn on the runner goroutine and waits for it, acting as a
// barrier for everything posted before it.
func onRunner(r *task.Runner, fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func connect(t *testing.T, p *Producer, r *task.Runner) {
	t.Helper()
	onRunner(r, func() { p.ConnectWithRetries("loopback://test") })
	// The transport posts OnConnect as a separate task.
	onRunner(r, func() {})
	require.Equal(t, StateConnected, stateOf(p, r))
}

func stateOf(p *Producer, r *task.Runner) State {
	var s State
	onRunner(r, func() { s = p.State() })
	return s
}

func selfTraceConfig(session domain.SessionID) *probes.Config {
	return &probes.Config{Name: "probed.selftrace", SessionID: session}
}

func fileMapConfig(session domain.SessionID) *probes.Config {
	return &probes.Config{Name: "linux.file_mappings", SessionID: session}
}

func decode(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(payload, &m))
	return m
}

func TestConnectRegistersAllDescriptors(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	regs := lb.Registered()
	require.Len(t, regs, 4)
	byName := make(map[string]domain.DataSourceDescriptor, len(regs))
	for _, d := range regs {
		assert.True(t, d.WillNotifyOnStart)
		assert.True(t, d.WillNotifyOnStop)
		byName[d.Name] = d
	}

	assert.True(t, byName["linux.kernel_events"].HandlesIncrementalStateClear)
	assert.Contains(t, byName["linux.kernel_events"].Capabilities, "batch_metadata")
	assert.True(t, byName["linux.process_metadata"].HandlesIncrementalStateClear)
	assert.True(t, byName["linux.file_mappings"].HandlesIncrementalStateClear)
	assert.False(t, byName["probed.selftrace"].HandlesIncrementalStateClear)
}

func TestSetupStartStopLifecycle(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, selfTraceConfig(10))
		p.StartDataSource(1, selfTraceConfig(10))
	})
	assert.Equal(t, []domain.InstanceID{1}, lb.StartedInstances())

	writers := lb.Writers()
	require.Len(t, writers, 1)
	payloads := writers[0].Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, "selftrace_started", decode(t, payloads[0])["name"])

	onRunner(r, func() { p.StopDataSource(1) })
	assert.Equal(t, []domain.InstanceID{1}, lb.StoppedInstances())
	onRunner(r, func() {
		assert.Empty(t, p.dataSources)
		assert.Empty(t, p.sessionDataSources)
		assert.Empty(t, p.watchdogs)
	})
}

func TestUnknownInstanceOperationsAreNoOps(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.StartDataSource(99, selfTraceConfig(1))
		p.StopDataSource(99)
		p.ClearIncrementalState([]domain.InstanceID{99})
	})
	assert.Empty(t, lb.StartedInstances())
	assert.Empty(t, lb.StoppedInstances())
}

func TestSetupUnknownProbeNameLeavesNoInstance(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, &probes.Config{Name: "bogus.probe", SessionID: 1})
		assert.Empty(t, p.dataSources)
	})
}

func TestDuplicateSetupIsIgnored(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, selfTraceConfig(1))
		p.SetupDataSource(1, fileMapConfig(2))
		assert.Len(t, p.dataSources, 1)
		assert.Equal(t, "probed.selftrace", p.dataSources[1].ProbeBase().Desc.Name)
	})
}

func TestFlushAcksImmediatelyWithNoEligibleInstances(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.Flush(7, []domain.InstanceID{42, 43})
	})
	assert.Equal(t, []domain.FlushRequestID{7}, lb.FlushesCompleted())
}

func TestFlushCompletesExactlyOnceWhenAllAck(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, selfTraceConfig(1))
		p.StartDataSource(1, selfTraceConfig(1))
		p.SetupDataSource(2, fileMapConfig(1))
		p.StartDataSource(2, fileMapConfig(1))
		p.Flush(9, []domain.InstanceID{1, 2})
	})
	// The synchronous acks post completion tasks; drain them.
	onRunner(r, func() {})
	assert.Equal(t, []domain.FlushRequestID{9}, lb.FlushesCompleted())

	// The timeout must not re-complete an already acked request.
	time.Sleep(100 * time.Millisecond)
	onRunner(r, func() {})
	assert.Equal(t, []domain.FlushRequestID{9}, lb.FlushesCompleted())
}

func TestFlushTimeoutForcesCompletionExactlyOnce(t *testing.T) {
	lb := &transport.Loopback{HoldFlushes: true}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, selfTraceConfig(1))
		p.StartDataSource(1, selfTraceConfig(1))
		p.Flush(11, []domain.InstanceID{1})
	})
	assert.Empty(t, lb.FlushesCompleted())

	require.Eventually(t, func() bool {
		return len(lb.FlushesCompleted()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.FlushRequestID{11}, lb.FlushesCompleted())

	// A late ack after the forced completion is dropped.
	for _, w := range lb.Writers() {
		w.ReleaseHeldFlushes()
	}
	onRunner(r, func() {})
	assert.Equal(t, []domain.FlushRequestID{11}, lb.FlushesCompleted())
}

func TestReconnectBackoffDoubles(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)

	var seq []time.Duration
	onRunner(r, func() {
		for i := 0; i < 12; i++ {
			seq = append(seq, p.backoff.NextBackOff())
		}
	})

	want := []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, 1600 * time.Millisecond, 3200 * time.Millisecond,
		6400 * time.Millisecond, 12800 * time.Millisecond, 25600 * time.Millisecond,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, seq)
}

func TestConnectRetriesAfterFailures(t *testing.T) {
	lb := &transport.Loopback{FailConnections: 2}
	p, r := newTestProducer(t, lb)

	onRunner(r, func() { p.ConnectWithRetries("loopback://test") })
	require.Eventually(t, func() bool {
		return stateOf(p, r) == StateConnected
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, lb.Registered(), 4)
}

func TestDisconnectWhileConnectedRestartsFromScratch(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, selfTraceConfig(1))
		p.StartDataSource(1, selfTraceConfig(1))
		p.SetupDataSource(2, fileMapConfig(1))
		p.StartDataSource(2, fileMapConfig(1))
	})

	lb.DropConnection()
	require.Eventually(t, func() bool {
		return stateOf(p, r) == StateConnected && len(lb.Registered()) == 8
	}, 5*time.Second, 10*time.Millisecond)

	onRunner(r, func() {
		assert.Empty(t, p.dataSources)
		assert.Empty(t, p.sessionDataSources)
		assert.Empty(t, p.pendingFlushes)
		assert.Empty(t, p.watchdogs)
	})
}

func TestKernelMetadataPropagation(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	self := int32(os.Getpid())
	kernelCfg := &probes.Config{
		Name:      "linux.kernel_events",
		SessionID: 1,
		KernelEvents: probes.KernelEventsConfig{
			Events:              []string{"sched"},
			CollectFileMappings: true,
		},
	}
	procCfg := &probes.Config{
		Name:            "linux.process_metadata",
		SessionID:       1,
		ProcessMetadata: probes.ProcessMetadataConfig{OnDemandDumps: true},
	}

	onRunner(r, func() {
		p.SetupDataSource(1, kernelCfg)
		p.StartDataSource(1, kernelCfg)
		p.SetupDataSource(2, procCfg)
		p.StartDataSource(2, procCfg)
		p.SetupDataSource(3, fileMapConfig(1))
		p.StartDataSource(3, fileMapConfig(1))

		kds := p.dataSources[1].(*kernelevents.DataSource)
		kds.ObserveProcess(self, "probe-test", false)
		kds.ObserveProcess(self, "renamed", true)
		kds.ObserveFileAccess(8, 123)
		p.OnKernelEventsWritten()

		assert.True(t, kds.MutableMetadata().Empty())
	})

	// Writer order follows setup order: kernel, procmeta, filemap.
	writers := lb.Writers()
	require.Len(t, writers, 3)

	// The rename was delivered before the new-pid pass, so the process is
	// scraped exactly once, under its renamed identity.
	procRecords := writers[1].Payloads()
	require.Len(t, procRecords, 1)
	assert.Equal(t, "proc_rename", decode(t, procRecords[0])["type"])

	mapRecords := writers[2].Payloads()
	require.Len(t, mapRecords, 1)
	rec := decode(t, mapRecords[0])
	assert.Equal(t, "file_mapping", rec["type"])
	assert.Equal(t, float64(123), rec["inode"])
}

func TestKernelMetadataStaysWithinSession(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	kernelCfg := &probes.Config{
		Name:         "linux.kernel_events",
		SessionID:    1,
		KernelEvents: probes.KernelEventsConfig{Events: []string{"sched"}},
	}
	otherSessionProc := &probes.Config{
		Name:            "linux.process_metadata",
		SessionID:       2,
		ProcessMetadata: probes.ProcessMetadataConfig{OnDemandDumps: true},
	}

	onRunner(r, func() {
		p.SetupDataSource(1, kernelCfg)
		p.StartDataSource(1, kernelCfg)
		p.SetupDataSource(2, otherSessionProc)
		p.StartDataSource(2, otherSessionProc)

		kds := p.dataSources[1].(*kernelevents.DataSource)
		kds.ObserveProcess(int32(os.Getpid()), "probe-test", false)
		p.OnKernelEventsWritten()
	})

	writers := lb.Writers()
	require.Len(t, writers, 2)
	assert.Empty(t, writers[1].Payloads())
}

func TestClearIncrementalStateSkipsStoppedInstances(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	onRunner(r, func() {
		p.SetupDataSource(1, fileMapConfig(1))
		// Never started: the clear must not reach the instance.
		p.ClearIncrementalState([]domain.InstanceID{1})
		p.StartDataSource(1, fileMapConfig(1))
		p.ClearIncrementalState([]domain.InstanceID{1})
	})
}

func TestActivateTriggerForwardsWhenConnected(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	p.ActivateTrigger("capture-now")
	onRunner(r, func() {})
	assert.Equal(t, []string{"capture-now"}, lb.Triggers())
}

func TestActivateTriggerDroppedWhenNotConnected(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)

	p.ActivateTrigger("too-early")
	onRunner(r, func() {})
	assert.Empty(t, lb.Triggers())
}

func TestBoundedSessionArmsStopDeadline(t *testing.T) {
	lb := &transport.Loopback{}
	p, r := newTestProducer(t, lb)
	connect(t, p, r)

	cfg := selfTraceConfig(1)
	cfg.TraceDuration = time.Millisecond
	onRunner(r, func() {
		p.SetupDataSource(1, cfg)
		p.StartDataSource(1, cfg)
		assert.Len(t, p.watchdogs, 1)
		p.StopDataSource(1)
		assert.Empty(t, p.watchdogs)
	})
}

func TestSharedMemorySizeSetsMemoryCeiling(t *testing.T) {
	lb := &transport.Loopback{SharedMemoryBytes: 1 << 20}
	p, r := newTestProducer(t, lb)
	// OnTracingSetup arms the process-wide memory ceiling from the shared
	// buffer size; the window matches the default polling interval, so the
	// call must succeed without escalating.
	connect(t, p, r)
}
