package bulkload

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// TestTransition checks every (status, event) pair against the expected
// state machine. Pairs missing from want must be rejected.
func TestTransition(t *testing.T) {
	type key struct {
		from Status
		ev   Event
	}
	want := map[key]Status{
		{cluster.StatusNotStart, EventStart}: cluster.StatusDownloading,

		{cluster.StatusDownloading, EventAllDownloaded}: cluster.StatusDownloaded,
		{cluster.StatusDownloaded, EventIngest}:         cluster.StatusIngesting,
		{cluster.StatusIngesting, EventAllSucceed}:      cluster.StatusSucceed,

		{cluster.StatusDownloading, EventPartitionFailed}: cluster.StatusFailed,
		{cluster.StatusDownloaded, EventPartitionFailed}:  cluster.StatusFailed,
		{cluster.StatusIngesting, EventPartitionFailed}:   cluster.StatusFailed,

		{cluster.StatusDownloading, EventPause}: cluster.StatusPausing,
		{cluster.StatusDownloaded, EventPause}:  cluster.StatusPausing,
		{cluster.StatusIngesting, EventPause}:   cluster.StatusPausing,
		{cluster.StatusPausing, EventAllPaused}: cluster.StatusPaused,
		{cluster.StatusPaused, EventRestart}:    cluster.StatusDownloading,
	}
	for _, s := range []Status{
		cluster.StatusNotStart, cluster.StatusDownloading, cluster.StatusDownloaded,
		cluster.StatusIngesting, cluster.StatusPausing, cluster.StatusPaused,
	} {
		want[key{s, EventCancel}] = cluster.StatusCanceled
		want[key{s, EventForceCancel}] = cluster.StatusCanceled
	}

	pairs := 0
	for _, from := range append(Statuses(), cluster.StatusInvalid) {
		for _, ev := range Events() {
			pairs++
			t.Run(fmt.Sprintf("%s/%s", from, ev), func(t *testing.T) {
				got, err := Transition(from, ev)
				if to, ok := want[key{from, ev}]; ok {
					require.NoError(t, err)
					assert.Equal(t, to, got)
					return
				}
				assert.True(t, errors.Is(err, errors.ErrInvalidState), "expected ErrInvalidState, got %v", err)
				assert.Equal(t, cluster.StatusInvalid, got)
			})
		}
	}
	assert.Equal(t, 10*10, pairs)
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, s := range Statuses() {
		if !s.IsTerminal() {
			continue
		}
		for _, ev := range Events() {
			_, err := Transition(s, ev)
			assert.Error(t, err, "%s/%s", s, ev)
		}
	}
}

// TestForwardProgressIsMonotonic walks the happy path and checks that no
// event other than pause, restart and cancel moves an app backwards.
func TestForwardProgressIsMonotonic(t *testing.T) {
	order := map[Status]int{
		cluster.StatusNotStart:    0,
		cluster.StatusDownloading: 1,
		cluster.StatusDownloaded:  2,
		cluster.StatusIngesting:   3,
		cluster.StatusSucceed:     4,
	}
	for from, i := range order {
		for _, ev := range []Event{EventStart, EventAllDownloaded, EventIngest, EventAllSucceed} {
			to, err := Transition(from, ev)
			if err != nil {
				continue
			}
			assert.Greater(t, order[to], i, "%s --%s--> %s", from, ev, to)
		}
	}
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "all_downloaded", EventAllDownloaded.String())
	assert.Equal(t, "force_cancel", EventForceCancel.String())
	assert.Equal(t, "event(42)", Event(42).String())
	assert.Len(t, Events(), 10)
}

func TestControlEvent(t *testing.T) {
	for typ, want := range map[cluster.ControlType]Event{
		cluster.ControlPause:       EventPause,
		cluster.ControlRestart:     EventRestart,
		cluster.ControlCancel:      EventCancel,
		cluster.ControlForceCancel: EventForceCancel,
	} {
		ev, ok := controlEvent(typ)
		assert.True(t, ok)
		assert.Equal(t, want, ev)
	}
	_, ok := controlEvent("stop")
	assert.False(t, ok)
}

func TestAggregate(t *testing.T) {
	const (
		dl  = cluster.StatusDownloading
		dd  = cluster.StatusDownloaded
		in  = cluster.StatusIngesting
		ok  = cluster.StatusSucceed
		bad = cluster.StatusFailed
		pg  = cluster.StatusPausing
		pd  = cluster.StatusPaused
	)
	tests := []struct {
		name  string
		app   Status
		parts []Status
		want  Event
		found bool
	}{
		{"downloading in progress", dl, []Status{dd, dl, dd}, 0, false},
		{"all downloaded", dl, []Status{dd, dd, dd}, EventAllDownloaded, true},
		{"failure while downloading", dl, []Status{dd, bad, dl}, EventPartitionFailed, true},
		{"downloaded starts ingestion", dd, []Status{dd, dd}, EventIngest, true},
		{"failure while downloaded", dd, []Status{dd, bad}, EventPartitionFailed, true},
		{"ingesting in progress", in, []Status{ok, in}, 0, false},
		{"all succeed", in, []Status{ok, ok}, EventAllSucceed, true},
		{"failure while ingesting", in, []Status{ok, bad}, EventPartitionFailed, true},
		{"pausing in progress", pg, []Status{pd, pg}, 0, false},
		{"all paused", pg, []Status{pd, pd}, EventAllPaused, true},
		{"paused waits for restart", pd, []Status{pd, pd}, 0, false},
		{"terminal", ok, []Status{ok, ok}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, found := aggregate(tt.app, tt.parts)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, ev)
			}
		})
	}
}
