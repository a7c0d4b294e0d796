package detector

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/verifier"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *db.SQLLiteDB {
	t.Helper()
	database, err := db.NewSQLLite(filepath.Join(t.TempDir(), "baseline.db"))
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() { database.Close() })
	return database
}

func newDetector(t *testing.T, database *db.SQLLiteDB) *Detector {
	t.Helper()
	cfg, err := config.Parse("test", []byte("ransomware_thresholds: {files_count: 10, time_window: 10}\n"))
	require.NoError(t, err)
	d, err := New(config.NewHolder("test", cfg), database)
	require.NoError(t, err)
	return d
}

func suspicious(path string, offset time.Duration) verifier.Verdict {
	return verifier.Verdict{Path: path, Timestamp: epoch.Add(offset), Suspicious: true, ChangePercent: 90, Entropy: 7.9}
}

func benign(path string, offset time.Duration) verifier.Verdict {
	return verifier.Verdict{Path: path, Timestamp: epoch.Add(offset), ChangePercent: 10, Entropy: 4}
}

func file(i int) string { return fmt.Sprintf("/home/u/Documents/f%02d.txt", i) }

func TestThresholdOpensIncident(t *testing.T) {
	d := newDetector(t, openDB(t))

	for i := 0; i < 9; i++ {
		assert.Nil(t, d.process(suspicious(file(i), time.Duration(i)*500*time.Millisecond)))
	}
	assert.Empty(t, d.List())
	assert.Equal(t, 9, d.window.len())

	n := d.process(suspicious(file(9), 5*time.Second))
	require.NotNil(t, n)
	assert.True(t, n.Opened)
	assert.Len(t, n.Incident.Paths, 10)
	assert.Equal(t, StatusOpen, n.Incident.Status)
	assert.Equal(t, epoch, n.Incident.WindowStart)
	assert.Equal(t, file(0), n.Incident.Paths[0])
	assert.True(t, d.IsMember(file(3)))
	assert.False(t, d.IsMember("/elsewhere"))

	incidents := d.List()
	require.Len(t, incidents, 1)
	assert.Equal(t, n.Incident.ID, incidents[0].ID)
}

func TestSamePathCountsOnce(t *testing.T) {
	d := newDetector(t, openDB(t))

	for i := 0; i < 20; i++ {
		assert.Nil(t, d.process(suspicious(file(i%3), time.Duration(i)*100*time.Millisecond)))
	}
	assert.Equal(t, 3, d.window.len())
	assert.Empty(t, d.List())
}

func TestSpreadOutChangesStayBelowThreshold(t *testing.T) {
	d := newDetector(t, openDB(t))

	// one suspicious file every two seconds never has ten inside ten seconds
	for i := 0; i < 30; i++ {
		assert.Nil(t, d.process(suspicious(file(i), time.Duration(i)*2*time.Second)))
	}
	assert.Empty(t, d.List())
	assert.LessOrEqual(t, d.window.len(), 6)
}

func TestIncidentGrowsWhileAboveThreshold(t *testing.T) {
	d := newDetector(t, openDB(t))

	for i := 0; i < 10; i++ {
		d.process(suspicious(file(i), time.Duration(i)*100*time.Millisecond))
	}
	incidents := d.List()
	require.Len(t, incidents, 1)
	id := incidents[0].ID

	n := d.process(suspicious(file(10), 2*time.Second))
	require.NotNil(t, n)
	assert.False(t, n.Opened)
	assert.Equal(t, id, n.Incident.ID)
	assert.Equal(t, []string{file(10)}, n.NewPaths)
	assert.Len(t, n.Incident.Paths, 11)

	// a member observed again adds nothing
	assert.Nil(t, d.process(suspicious(file(4), 3*time.Second)))
	assert.Len(t, d.List(), 1)
}

func TestBenignVerdictLeavesWindowButNotIncident(t *testing.T) {
	d := newDetector(t, openDB(t))

	for i := 0; i < 10; i++ {
		d.process(suspicious(file(i), time.Duration(i)*100*time.Millisecond))
	}
	require.Len(t, d.List(), 1)

	assert.Nil(t, d.process(benign(file(0), 2*time.Second)))
	assert.False(t, d.window.contains(file(0)))
	assert.Equal(t, 9, d.window.len())
	assert.True(t, d.IsMember(file(0)))
	assert.Len(t, d.List()[0].Paths, 10)
}

func TestLaterCrossingOpensNewIncident(t *testing.T) {
	d := newDetector(t, openDB(t))

	for i := 0; i < 10; i++ {
		d.process(suspicious(file(i), time.Duration(i)*100*time.Millisecond))
	}
	// the first burst ages out of the window
	for i := 20; i < 30; i++ {
		d.process(suspicious(file(i), time.Minute+time.Duration(i)*100*time.Millisecond))
	}

	incidents := d.List()
	require.Len(t, incidents, 2)
	assert.NotEqual(t, incidents[0].ID, incidents[1].ID)
	assert.Equal(t, file(20), incidents[0].Paths[0])
	assert.Len(t, incidents[0].Paths, 10)
	assert.Len(t, incidents[1].Paths, 10)
}

func TestResolve(t *testing.T) {
	d := newDetector(t, openDB(t))
	for i := 0; i < 10; i++ {
		d.process(suspicious(file(i), 0))
	}
	id := d.List()[0].ID

	_, err := d.Resolve(id, "maybe")
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	_, err = d.Resolve("missing", OutcomeConfirmed)
	assert.ErrorIs(t, err, ErrIncidentNotFound)

	require.NoError(t, d.MarkContained(id))
	inc, err := d.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusContained, inc.Status)

	inc, err = d.Resolve(id, OutcomeFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, StatusFalsePositive, inc.Status)
	assert.False(t, d.IsMember(file(0)))

	_, err = d.Resolve(id, OutcomeConfirmed)
	assert.ErrorIs(t, err, ErrIncidentClosed)
}

func TestResolvedMembersLeaveWindow(t *testing.T) {
	d := newDetector(t, openDB(t))
	for i := 0; i < 10; i++ {
		d.process(suspicious(file(i), time.Duration(i)*100*time.Millisecond))
	}
	id := d.List()[0].ID

	_, err := d.Resolve(id, OutcomeFalsePositive)
	require.NoError(t, err)
	assert.Zero(t, d.window.len())
	assert.Zero(t, d.WindowSize())

	// a single fresh suspicious file inside the same time window stays alone
	assert.Nil(t, d.process(suspicious(file(20), 2*time.Second)))
	assert.Len(t, d.List(), 1)
	assert.Equal(t, 1, d.window.len())

	// the cleared files only count again once they turn suspicious again
	var n *Notification
	for i := 0; i < 9; i++ {
		n = d.process(suspicious(file(i), 3*time.Second))
	}
	require.NotNil(t, n)
	assert.True(t, n.Opened)
	assert.Len(t, n.Incident.Paths, 10)
	assert.Contains(t, n.Incident.Paths, file(20))
	assert.NotContains(t, n.Incident.Paths, file(9))
}

func TestIncidentsSurviveRestart(t *testing.T) {
	database := openDB(t)
	d := newDetector(t, database)
	for i := 0; i < 12; i++ {
		d.process(suspicious(file(i), 0))
	}
	id := d.List()[0].ID

	reloaded := newDetector(t, database)
	inc, err := reloaded.Get(id)
	require.NoError(t, err)
	assert.Len(t, inc.Paths, 12)
	assert.Equal(t, StatusOpen, inc.Status)
	assert.True(t, reloaded.IsMember(file(11)))

	_, err = reloaded.Resolve(id, OutcomeConfirmed)
	require.NoError(t, err)
	again := newDetector(t, database)
	inc, err = again.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, inc.Status)
	assert.False(t, again.IsMember(file(11)))
}

func TestRunDeliversNotifications(t *testing.T) {
	d := newDetector(t, openDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	for i := 0; i < 10; i++ {
		d.Observe(suspicious(file(i), time.Duration(i)*time.Millisecond))
	}

	select {
	case n := <-d.Notifications():
		assert.True(t, n.Opened)
		assert.Len(t, n.NewPaths, 10)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
	assert.Equal(t, 10, d.WindowSize())

	cancel()
	for range d.Notifications() {
	}
	// Observe must not block once Run is gone
	for i := 0; i < 300; i++ {
		d.Observe(suspicious(file(i), 0))
	}
}

func TestWindowProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const span = 10 * time.Second

	properties.Property("window holds each path whose latest suspicious observation is recent", prop.ForAll(
		func(ops []int) bool {
			w := newWindow()
			latest := make(map[string]time.Time)
			now := epoch
			for _, op := range ops {
				path := file(op % 5)
				now = now.Add(time.Duration((op/5)%4) * 2 * time.Second)
				w.advance(now)
				if op/20 == 0 {
					w.add(path, now)
					latest[path] = now
				} else {
					w.remove(path)
					delete(latest, path)
				}
				w.evict(now.Add(-span))

				expected := 0
				for _, ts := range latest {
					if !ts.Before(now.Add(-span)) {
						expected++
					}
				}
				if w.len() != expected || len(w.paths()) != expected {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 39)),
	))

	properties.TestingRun(t)
}
