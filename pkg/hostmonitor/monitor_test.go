package hostmonitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/hostmonitor"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func TestIsAvailable_UnknownHostDefaultsAvailable(t *testing.T) {
	m := hostmonitor.New(testLogger(), clock.Real{}, nil)
	avail, warn := m.IsAvailable("never-seen")
	assert.True(t, avail)
	assert.False(t, warn)
}

func TestReportOutcome_SingleFailureGoesFlaky(t *testing.T) {
	m := hostmonitor.New(testLogger(), clock.Real{}, nil)
	m.ReportOutcome("outpost", false)

	avail, warn := m.IsAvailable("outpost")
	assert.True(t, avail)
	assert.True(t, warn)
	assert.Equal(t, hostmonitor.StateFlaky, m.Status("outpost").State)
}

func TestReportOutcome_ThreeFailuresWithinWindowGoesOffline(t *testing.T) {
	frozen := clock.NewFrozen(time.Now())
	m := hostmonitor.New(testLogger(), frozen, nil)

	m.ReportOutcome("outpost", false)
	frozen.Advance(time.Minute)
	m.ReportOutcome("outpost", false)
	frozen.Advance(time.Minute)
	m.ReportOutcome("outpost", false)

	avail, _ := m.IsAvailable("outpost")
	assert.False(t, avail)
	assert.Equal(t, hostmonitor.StateOffline, m.Status("outpost").State)
}

func TestReportOutcome_FailuresOutsideWindowDoNotAccumulateToOffline(t *testing.T) {
	frozen := clock.NewFrozen(time.Now())
	m := hostmonitor.New(testLogger(), frozen, nil)

	m.ReportOutcome("outpost", false)
	frozen.Advance(10 * time.Minute) // past the 5-minute window
	m.ReportOutcome("outpost", false)
	frozen.Advance(time.Minute)
	m.ReportOutcome("outpost", false)

	// The failure count resets its window start on each streak-opening
	// failure; two failures within 1 minute of each other stay flaky, not
	// offline, because the run only restarted after the gap.
	assert.Equal(t, hostmonitor.StateFlaky, m.Status("outpost").State)
}

func TestReportOutcome_SuccessResetsToOnline(t *testing.T) {
	m := hostmonitor.New(testLogger(), clock.Real{}, nil)
	m.ReportOutcome("outpost", false)
	m.ReportOutcome("outpost", false)
	m.ReportOutcome("outpost", true)

	st := m.Status("outpost")
	assert.Equal(t, hostmonitor.StateOnline, st.State)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

type fakePinger struct{ up map[string]bool }

func (f fakePinger) Ping(_ context.Context, host string) bool {
	return f.up[host]
}

func TestRunPingLoop_RecoversOfflineHostOnSingleSuccess(t *testing.T) {
	frozen := clock.NewFrozen(time.Now())
	pinger := fakePinger{up: map[string]bool{"outpost": true}}
	m := hostmonitor.New(testLogger(), frozen, pinger)

	m.ReportOutcome("outpost", false)
	m.ReportOutcome("outpost", false)
	m.ReportOutcome("outpost", false)
	require.Equal(t, hostmonitor.StateOffline, m.Status("outpost").State)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunPingLoop(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return m.Status("outpost").State == hostmonitor.StateOnline
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
