package wal_test

import (
	"bytes"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axiom-workflow-engine/axiom/internal/wal"
	"github.com/axiom-workflow-engine/axiom/metrics"
)

// countingMetrics is a minimal metrics.Client test double that records
// every Counter call, so tests can assert a corruption counter actually
// fired instead of just trusting the replay didn't error.
type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: map[string]float64{}}
}

func (m *countingMetrics) Counter(name string, _ metrics.Tags, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += value
}

func (m *countingMetrics) Distribution(string, metrics.Tags, float64) {}
func (m *countingMetrics) Timing(string, metrics.Tags, time.Duration) {}
func (m *countingMetrics) WithTags(metrics.Tags) metrics.Client       { return m }

func (m *countingMetrics) count(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func TestSegment_AppendAndReadAll(t *testing.T) {
	dir := t.TempDir()

	seg, err := wal.OpenSegment(dir, 1, 0, true)
	require.NoError(t, err)
	defer seg.Close()

	off1, err := seg.Append([]byte("hello"), 100)
	require.NoError(t, err)
	require.Equal(t, int64(16+5), off1)

	off2, err := seg.Append([]byte("world!"), 101)
	require.NoError(t, err)
	require.Equal(t, off1+16+6, off2)

	var entries []wal.Entry
	_, err = wal.ReadAllSegment(dir, 1, 0, nil, nil, func(e wal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("hello"), entries[0].Payload)
	require.Equal(t, int64(100), entries[0].Timestamp)
	require.Equal(t, off1, entries[0].Offset)
	require.Equal(t, []byte("world!"), entries[1].Payload)
	require.Equal(t, off2, entries[1].Offset)
}

func TestSegment_NeedsRotation(t *testing.T) {
	dir := t.TempDir()

	seg, err := wal.OpenSegment(dir, 1, 32, true)
	require.NoError(t, err)
	defer seg.Close()

	require.False(t, seg.NeedsRotation(10))
	require.True(t, seg.NeedsRotation(20))

	_, err = seg.Append(make([]byte, 10), 1)
	require.NoError(t, err)

	require.True(t, seg.NeedsRotation(10))
}

func TestSegment_ReadAll_StopsCleanlyOnEmptyFile(t *testing.T) {
	dir := t.TempDir()

	n, err := wal.ReadAllSegment(dir, 1, 0, nil, nil, func(wal.Entry) error {
		t.Fatal("should not be called for nonexistent segment")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSegment_ReadAll_DropsOnCRCMismatch(t *testing.T) {
	dir := t.TempDir()

	seg, err := wal.OpenSegment(dir, 1, 0, true)
	require.NoError(t, err)

	_, err = seg.Append([]byte("good-1"), 1)
	require.NoError(t, err)
	goodOffset, err := seg.Append([]byte("good-2"), 2)
	require.NoError(t, err)
	_, err = seg.Append([]byte("corrupted"), 3)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	path := wal.SegmentPath(dir, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a byte inside the last entry's payload so its CRC no longer
	// matches; everything before it must still replay.
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	mclient := newCountingMetrics()

	var entries []wal.Entry
	bytesRead, err := wal.ReadAllSegment(dir, 1, 0, logger, mclient, func(e wal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("good-1"), entries[0].Payload)
	require.Equal(t, []byte("good-2"), entries[1].Payload)
	require.Equal(t, goodOffset, bytesRead)

	// The CRC mismatch must be reported, not just silently dropped.
	require.Contains(t, logBuf.String(), "wal segment corruption detected")
	require.Equal(t, float64(1), mclient.count("wal.corruption"))
}

func TestSegment_ReadAll_StopsOnTruncatedTrailingFrame(t *testing.T) {
	dir := t.TempDir()

	seg, err := wal.OpenSegment(dir, 1, 0, true)
	require.NoError(t, err)

	_, err = seg.Append([]byte("complete"), 1)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	path := wal.SegmentPath(dir, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Truncate mid-payload to simulate a crash during write.
	truncated := data[:len(data)-3]
	require.NoError(t, os.WriteFile(path, truncated, 0o644))

	var entries []wal.Entry
	_, err = wal.ReadAllSegment(dir, 1, 0, nil, nil, func(e wal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, entries)
}
