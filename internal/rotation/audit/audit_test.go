package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/policy"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func openRecorder(t *testing.T) (*Recorder, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	r, err := Open(filepath.Join(t.TempDir(), "audit", "audit.jsonl"), clk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, clk
}

func TestRecorder_RecordAssignsChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openRecorder(t)

	first, err := r.Record(ctx, Record{JobID: "j1", ClassID: "db", Action: ActionJobCreated})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.NotEmpty(t, first.EventID)
	assert.Equal(t, "system", first.Actor)
	assert.Equal(t, epoch, first.Timestamp)

	second, err := r.Record(ctx, Record{JobID: "j1", ClassID: "db", Action: ActionTransition,
		PreviousState: "PENDING", NewState: "HEALTH_CHECK", Actor: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	n, err := r.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	info, err := os.Stat(r.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRecorder_ReopenContinuesChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	r, err := Open(path, testclock.NewClock(epoch), nil)
	require.NoError(t, err)
	last, err := r.Record(ctx, Record{ClassID: "db", Action: ActionJobCreated})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// Simulate a crash mid-write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"event_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err = Open(path, testclock.NewClock(epoch), nil)
	require.NoError(t, err)
	defer r.Close()

	next, err := r.Record(ctx, Record{ClassID: "db", Action: ActionTransition})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Seq)
	assert.Equal(t, last.Hash, next.PrevHash)

	n, err := r.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecorder_OpenRefusesDamagedRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	r, err := Open(path, testclock.NewClock(epoch), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := r.Record(ctx, Record{ClassID: "db", Action: ActionTransition})
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	lines := strings.SplitAfter(readFile(t, path), "\n")
	lines[1] = "X" + lines[1][1:]
	damaged := strings.Join(lines, "")
	require.NoError(t, os.WriteFile(path, []byte(damaged), 0600))

	_, err = Open(path, testclock.NewClock(epoch), nil)
	require.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, damaged, readFile(t, path), "damaged log is left untouched")
}

func TestRecorder_RecordIgnoresCancelledContext(t *testing.T) {
	t.Parallel()
	r, _ := openRecorder(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := r.Record(ctx, Record{ClassID: "db", Action: ActionTransition, NewState: "DISTRIBUTING"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)

	n, err := r.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecorder_VerifyDetectsTampering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openRecorder(t)

	for i := 0; i < 3; i++ {
		_, err := r.Record(ctx, Record{ClassID: "db", Action: ActionTransition, Result: ResultSuccess})
		require.NoError(t, err)
	}

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"result":"success"`, `"result":"failure"`, 1)
	require.NoError(t, os.WriteFile(r.Path(), []byte(tampered), 0600))

	_, err = r.Verify(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestRecorder_VerifyDetectsDeletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openRecorder(t)

	for i := 0; i < 3; i++ {
		_, err := r.Record(ctx, Record{ClassID: "db", Action: ActionTransition})
		require.NoError(t, err)
	}

	lines := strings.SplitAfter(readFile(t, r.Path()), "\n")
	require.NoError(t, os.WriteFile(r.Path(), []byte(lines[0]+lines[2]), 0600))

	_, err := r.Verify(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRecorder_QueryAndExport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, clk := openRecorder(t)

	records := []Record{
		{JobID: "j1", ClassID: "db", Action: ActionJobCreated},
		{JobID: "j1", ClassID: "db", Action: ActionApprovalExpired, Result: ResultFailure, Kind: dserrors.KindPolicy},
		{JobID: "j2", ClassID: "api", Action: ActionJobCreated},
		{JobID: "j2", ClassID: "api", Action: ActionActivated, Result: ResultSuccess},
	}
	for _, rec := range records {
		_, err := r.Record(ctx, rec)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"by class", Filter{ClassID: "db"}, 2},
		{"by job", Filter{JobID: "j2"}, 2},
		{"by kind", Filter{Kind: dserrors.KindPolicy}, 1},
		{"by action", Filter{Action: ActionJobCreated}, 2},
		{"by result", Filter{Result: ResultSuccess}, 1},
		{"since", Filter{Since: ptr(epoch.Add(2 * time.Minute))}, 2},
		{"until", Filter{Until: ptr(epoch.Add(time.Minute))}, 1},
		{"limit", Filter{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Query(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	var buf bytes.Buffer
	n, err := r.Export(ctx, &buf, Filter{ClassID: "api"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		assert.Equal(t, "api", rec.ClassID)
		count++
	}
	assert.Equal(t, 2, count)
}

func ptr(t time.Time) *time.Time { return &t }

func TestRecorder_ActiveVersionAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, clk := openRecorder(t)

	_, err := r.ActiveVersionAge(ctx, "db", epoch)
	assert.ErrorIs(t, err, ErrNoActivation)

	_, err = r.Record(ctx, Record{ClassID: "db", Action: ActionActivated, Result: ResultSuccess})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = r.Record(ctx, Record{ClassID: "db", Action: ActionActivated, Result: ResultFailure})
	require.NoError(t, err)

	age, err := r.ActiveVersionAge(ctx, "db", epoch.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, age)

	clk.Advance(time.Hour)
	_, err = r.Record(ctx, Record{ClassID: "db", Action: ActionRestored, Result: ResultSuccess})
	require.NoError(t, err)
	age, err = r.ActiveVersionAge(ctx, "db", epoch.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, age, "restores reset the age")
}

func TestRecorder_ComplianceReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openRecorder(t)

	classes := []policy.SecretClass{
		{ID: "db", RotationFrequency: policy.Duration(90 * policy.Day)},
		{ID: "token", RotationFrequency: policy.Duration(24 * time.Hour)},
		{ID: "legacy", RotationFrequency: policy.Duration(24 * time.Hour), Disabled: true},
	}

	for _, rec := range []Record{
		{ClassID: "db", Action: ActionActivated, Result: ResultSuccess},
		{ClassID: "token", Action: ActionActivated, Result: ResultSuccess},
		{ClassID: "token", Action: ActionTransition, Result: ResultFailure, Kind: dserrors.KindValidation},
	} {
		_, err := r.Record(ctx, rec)
		require.NoError(t, err)
	}

	report, err := r.ComplianceReport(ctx, epoch.Add(48*time.Hour), classes)
	require.NoError(t, err)
	require.Len(t, report.Classes, 3)

	byID := map[string]ClassCompliance{}
	for _, c := range report.Classes {
		byID[c.ClassID] = c
	}
	assert.False(t, byID["db"].Overdue)
	assert.Equal(t, 1, byID["db"].Rotations)
	assert.True(t, byID["token"].Overdue)
	assert.Equal(t, 1, byID["token"].Failures)
	require.NotNil(t, byID["token"].LastFailure)
	assert.Equal(t, dserrors.KindValidation, byID["token"].LastFailure.Kind)
	assert.True(t, byID["legacy"].NeverRotated)

	assert.Equal(t, 1, report.Violations)
	assert.InDelta(t, 50.0, report.Score, 0.001)
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := openRecorder(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Record(ctx, Record{ClassID: "db", Action: ActionTransition})
		}()
	}
	wg.Wait()

	n, err := r.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestRecorder_Closed(t *testing.T) {
	t.Parallel()
	r, _ := openRecorder(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err := r.Record(context.Background(), Record{Action: ActionJobCreated})
	assert.Error(t, err)
}
