package retrain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/features"
)

type fakeSource struct {
	vecs  []features.Vector
	err   error
	calls atomic.Int32
	limit int
}

func (f *fakeSource) Normal(_ context.Context, limit int) ([]features.Vector, error) {
	f.calls.Add(1)
	f.limit = limit
	return f.vecs, f.err
}

func normalVectors(n int) []features.Vector {
	out := make([]features.Vector, n)
	for i := range out {
		out[i] = features.Vector{
			Amount:               10 + float64(i%5),
			HourOfDay:            9 + float64(i%8),
			TxCount24h:           float64(i % 4),
			AddressFirstSeenDays: 30 + float64(i),
		}
	}
	return out
}

func TestRunOnce_Fits(t *testing.T) {
	src := &fakeSource{vecs: normalVectors(20)}
	det := anomaly.NewDetector()
	r := NewRunner(src, det, WithLimit(50))

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: ResultFitted, Samples: 20}, res)
	assert.True(t, det.Trained())
	assert.Equal(t, 50, src.limit)
}

func TestRunOnce_SkipsWithTooFewSamples(t *testing.T) {
	det := anomaly.NewDetector()
	require.NoError(t, det.Fit(normalVectors(15)))
	before := det.Profile()

	r := NewRunner(&fakeSource{vecs: normalVectors(3)}, det)
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res.Outcome)
	assert.Same(t, before, det.Profile(), "previous profile stays active")
}

func TestRunOnce_SourceError(t *testing.T) {
	r := NewRunner(&fakeSource{err: errors.New("db down")}, anomaly.NewDetector())
	res, err := r.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Equal(t, ResultFailed, res.Outcome)
}

func TestRunOnce_ExportsAndLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "anomaly.json")
	r := NewRunner(&fakeSource{vecs: normalVectors(12)}, anomaly.NewDetector(), WithProfilePath(path))

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	fresh := anomaly.NewDetector()
	loaded, err := LoadFile(path, fresh)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 12, fresh.Profile().Samples)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	loaded, err := LoadFile(filepath.Join(dir, "missing.json"), anomaly.NewDetector())
	require.NoError(t, err)
	assert.False(t, loaded)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":99}`), 0o600))
	_, err = LoadFile(bad, anomaly.NewDetector())
	assert.ErrorIs(t, err, anomaly.ErrProfileMismatch)
}

func TestTimer_RunsImmediatelyAndStops(t *testing.T) {
	src := &fakeSource{vecs: normalVectors(12)}
	det := anomaly.NewDetector()
	tm := NewTimer(NewRunner(src, det), time.Hour, nil)

	done := make(chan struct{})
	go func() {
		tm.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, det.Trained, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), tm.Runs())

	tm.Stop()
	tm.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, tm.Running())
}

func TestTimer_TicksAndStopsOnContext(t *testing.T) {
	src := &fakeSource{vecs: normalVectors(2)}
	tm := NewTimer(NewRunner(src, anomaly.NewDetector()), 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go tm.Start(ctx)
	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return !tm.Running() }, time.Second, 5*time.Millisecond)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anomaly.json")

	source := anomaly.NewDetector()
	require.NoError(t, source.Fit(normalVectors(25)))
	data, err := source.Export()
	require.NoError(t, err)

	target := anomaly.NewDetector()
	w := NewWatcher(path, target, nil)
	var reloaded atomic.Int32
	w.OnReload(func() { reloaded.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Watch(ctx) }()

	// Unrelated files in the directory are ignored, then retry the profile
	// write until the watcher has registered.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600))
	require.Eventually(t, func() bool {
		_ = WriteFileAtomic(path, data)
		return reloaded.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, target.Trained())
	assert.Equal(t, 25, target.Profile().Samples)

	// A corrupt write keeps the previous profile.
	time.Sleep(50 * time.Millisecond)
	before := w.Reloads()
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, w.Reloads())
	assert.True(t, target.Trained())

	cancel()
	assert.NoError(t, <-errc)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope", "anomaly.json"), anomaly.NewDetector(), nil)
	assert.Error(t, w.Watch(context.Background()))
}
