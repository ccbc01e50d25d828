package kernelevents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/task"
)

// memWriter collects records in memory.
type memWriter struct {
	payloads [][]byte
	flushes  int
}

func (w *memWriter) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.payloads = append(w.payloads, buf)
	return nil
}

func (w *memWriter) Flush(done func()) {
	w.flushes++
	if done != nil {
		done()
	}
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) records(t *testing.T) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(w.payloads))
	for _, p := range w.payloads {
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		out = append(out, m)
	}
	return out
}

func newTestDataSource(t *testing.T, cfg probes.KernelEventsConfig) (*DataSource, *memWriter, *Controller) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runner := task.New(logger)
	t.Cleanup(runner.Quit)

	ctrl, err := NewController(t.TempDir(), runner, logger, nil)
	require.NoError(t, err)

	w := &memWriter{}
	ds := New(ctrl, 1, &probes.Config{Name: Descriptor.Name, SessionID: 1, KernelEvents: cfg}, w, logger)
	return ds, w, ctrl
}

func TestNewControllerMissingRoot(t *testing.T) {
	logger := zaptest.NewLogger(t)
	runner := task.New(logger)
	defer runner.Quit()

	_, err := NewController("/nonexistent/tracefs/root", runner, logger, nil)
	require.Error(t, err)
}

func TestAttachRejectsEmptyEventName(t *testing.T) {
	ds, _, _ := newTestDataSource(t, probes.KernelEventsConfig{Events: []string{"sched", ""}})
	assert.False(t, ds.Attach())
}

func TestAttachAndDetach(t *testing.T) {
	ds, _, ctrl := newTestDataSource(t, probes.KernelEventsConfig{Events: []string{"sched"}})
	require.True(t, ds.Attach())
	assert.Len(t, ctrl.active, 1)

	ds.Stop()
	assert.Empty(t, ctrl.active)
}

func TestObserveProcessDedupsNewPids(t *testing.T) {
	ds, w, _ := newTestDataSource(t, probes.KernelEventsConfig{Events: []string{"sched"}})

	ds.ObserveProcess(42, "worker", false)
	ds.ObserveProcess(42, "worker", false)

	// Both sightings are written, but only one new-pid entry is collected.
	assert.Len(t, w.payloads, 2)
	assert.Equal(t, []int32{42}, ds.MutableMetadata().NewPids)
}

func TestObserveProcessRenameBypassesDedup(t *testing.T) {
	ds, w, _ := newTestDataSource(t, probes.KernelEventsConfig{Events: []string{"sched"}})

	ds.ObserveProcess(42, "worker", false)
	ds.ObserveProcess(42, "renamed", true)

	md := ds.MutableMetadata()
	assert.Equal(t, []int32{42}, md.NewPids)
	assert.Equal(t, []int32{42}, md.RenamePids)

	recs := w.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "sched_process", recs[0]["type"])
	assert.Equal(t, "sched_process_rename", recs[1]["type"])
}

func TestClearIncrementalStateResetsPidDedup(t *testing.T) {
	ds, _, _ := newTestDataSource(t, probes.KernelEventsConfig{Events: []string{"sched"}})

	ds.ObserveProcess(42, "worker", false)
	ds.MutableMetadata().Clear()
	ds.ClearIncrementalState()
	ds.ObserveProcess(42, "worker", false)

	assert.Equal(t, []int32{42}, ds.MutableMetadata().NewPids)
}

func TestObserveFileAccessCollectsMappingsWhenConfigured(t *testing.T) {
	ds, w, _ := newTestDataSource(t, probes.KernelEventsConfig{
		Events:              []string{"fs"},
		CollectFileMappings: true,
	})

	ds.ObserveFileAccess(8, 1234)
	assert.Equal(t, []FileMapping{{Device: 8, Inode: 1234}}, ds.MutableMetadata().FileMappings)

	recs := w.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "file_access", recs[0]["type"])
}

func TestObserveFileAccessSkipsMappingsWhenDisabled(t *testing.T) {
	ds, _, _ := newTestDataSource(t, probes.KernelEventsConfig{Events: []string{"fs"}})

	ds.ObserveFileAccess(8, 1234)
	assert.Empty(t, ds.MutableMetadata().FileMappings)
}

func TestMetadataClearKeepsBackingArrays(t *testing.T) {
	var md Metadata
	md.AddNewPid(1)
	md.AddRenamePid(2)
	md.AddFileMapping(FileMapping{Device: 1, Inode: 2})
	require.False(t, md.Empty())

	md.Clear()
	assert.True(t, md.Empty())
}

func TestNotifyBatchWrittenPostsToRunner(t *testing.T) {
	logger := zaptest.NewLogger(t)
	runner := task.New(logger)
	defer runner.Quit()

	notified := make(chan struct{})
	ctrl, err := NewController(t.TempDir(), runner, logger, func() { close(notified) })
	require.NoError(t, err)

	ctrl.NotifyBatchWritten()
	<-notified
}
