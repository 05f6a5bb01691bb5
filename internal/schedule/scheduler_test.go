package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/schedule"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSchedulerAfter(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := schedule.New(clk, nil)
	defer s.Close()

	fired := 0
	s.After("a", time.Minute, func() { fired++ })

	require.Equal(t, 0, s.RunDue())
	clk.Advance(59 * time.Second)
	require.Equal(t, 0, s.RunDue())
	clk.Advance(time.Second)
	require.Equal(t, 1, s.RunDue())
	require.Equal(t, 1, fired)
	require.False(t, s.Pending("a"))

	clk.Advance(time.Hour)
	require.Equal(t, 0, s.RunDue())
}

func TestSchedulerRearmReplaces(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := schedule.New(clk, nil)
	defer s.Close()

	var got []string
	s.After("k", time.Minute, func() { got = append(got, "first") })
	s.After("k", 2*time.Minute, func() { got = append(got, "second") })
	require.Equal(t, 1, s.Len())

	clk.Advance(time.Minute)
	s.RunDue()
	require.Empty(t, got)

	clk.Advance(time.Minute)
	s.RunDue()
	require.Equal(t, []string{"second"}, got)
}

func TestSchedulerCancel(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := schedule.New(clk, nil)
	defer s.Close()

	s.After("x:1", time.Second, func() { t.Fatal("cancelled task ran") })
	s.After("x:2", time.Second, func() { t.Fatal("cancelled task ran") })
	s.After("y:1", time.Second, func() {})

	require.True(t, s.Cancel("x:1"))
	require.False(t, s.Cancel("x:1"))
	require.Equal(t, 1, s.CancelPrefix("x:"))

	clk.Advance(time.Second)
	require.Equal(t, 1, s.RunDue())
}

func TestSchedulerEvery(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := schedule.New(clk, nil)
	defer s.Close()

	n := 0
	s.Every("sweep", time.Minute, func() { n++ })

	for range 3 {
		clk.Advance(time.Minute)
		s.RunDue()
	}
	require.Equal(t, 3, n)
	require.True(t, s.Pending("sweep"))

	// A long stall fires once, not once per missed interval.
	clk.Advance(10 * time.Minute)
	s.RunDue()
	require.Equal(t, 4, n)
}

func TestSchedulerPanicIsolated(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := schedule.New(clk, nil)
	defer s.Close()

	ran := false
	s.After("boom", time.Second, func() { panic("boom") })
	s.After("ok", 2*time.Second, func() { ran = true })

	clk.Advance(2 * time.Second)
	require.NotPanics(t, func() { s.RunDue() })
	require.True(t, ran)
}

func TestSchedulerCloseDropsTasks(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := schedule.New(clk, nil)
	s.Start(10 * time.Millisecond)

	s.After("a", time.Second, func() { t.Fatal("ran after close") })
	s.Close()
	s.Close()

	s.After("b", time.Second, func() { t.Fatal("armed after close") })
	require.Equal(t, 0, s.Len())

	clk.Advance(time.Minute)
	require.Equal(t, 0, s.RunDue())
}

func TestSchedulerStartTicks(t *testing.T) {
	s := schedule.New(clock.Real{}, nil)
	defer s.Close()

	done := make(chan struct{})
	s.After("tick", 0, func() { close(done) })
	s.Start(5 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
}
