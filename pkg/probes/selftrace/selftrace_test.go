package selftrace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/probed/pkg/probes"
)

type memWriter struct {
	payloads [][]byte
}

func (w *memWriter) Write(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.payloads = append(w.payloads, buf)
	return nil
}

func (w *memWriter) Flush(done func()) {
	if done != nil {
		done()
	}
}

func (w *memWriter) Close() error { return nil }

func TestStartRecordsMilestone(t *testing.T) {
	w := &memWriter{}
	ds := New(1, &probes.Config{SessionID: 1}, w, zaptest.NewLogger(t))

	ds.Start()
	require.Len(t, w.payloads, 1)

	var rec struct {
		Type string `json:"type"`
		Name string `json:"name"`
		TS   int64  `json:"ts_unix_nano"`
	}
	require.NoError(t, json.Unmarshal(w.payloads[0], &rec))
	assert.Equal(t, "milestone", rec.Type)
	assert.Equal(t, "selftrace_started", rec.Name)
	assert.Positive(t, rec.TS)
}

func TestFlushAcksSynchronously(t *testing.T) {
	ds := New(1, &probes.Config{SessionID: 1}, &memWriter{}, zaptest.NewLogger(t))
	acked := false
	ds.Flush(3, func() { acked = true })
	assert.True(t, acked)
}
