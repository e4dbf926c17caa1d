package bulkload

import (
	"fmt"

	"github.com/dreamware/bulkload/internal/cluster"
	"github.com/dreamware/bulkload/internal/errors"
)

// Status is the bulk load status of an app or partition.
type Status = cluster.BulkLoadStatus

// Event drives an app-level status transition.
type Event int

const (
	EventStart           Event = iota // request accepted
	EventAllDownloaded                // every partition downloaded
	EventIngest                       // begin ingestion
	EventAllSucceed                   // every partition ingested
	EventPartitionFailed              // some partition failed
	EventPause                        // operator pause
	EventAllPaused                    // every partition paused
	EventRestart                      // operator restart
	EventCancel                       // operator cancel
	EventForceCancel                  // operator force_cancel
)

var eventNames = [...]string{
	EventStart:           "start",
	EventAllDownloaded:   "all_downloaded",
	EventIngest:          "ingest",
	EventAllSucceed:      "all_succeed",
	EventPartitionFailed: "partition_failed",
	EventPause:           "pause",
	EventAllPaused:       "all_paused",
	EventRestart:         "restart",
	EventCancel:          "cancel",
	EventForceCancel:     "force_cancel",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// Events lists every event.
func Events() []Event {
	out := make([]Event, len(eventNames))
	for i := range eventNames {
		out[i] = Event(i)
	}
	return out
}

// Statuses lists every valid status.
func Statuses() []Status {
	return cluster.AllStatuses()
}

var active = []Status{cluster.StatusDownloading, cluster.StatusDownloaded, cluster.StatusIngesting}

var nonTerminal = []Status{
	cluster.StatusNotStart, cluster.StatusDownloading, cluster.StatusDownloaded,
	cluster.StatusIngesting, cluster.StatusPausing, cluster.StatusPaused,
}

type edge struct {
	from []Status
	to   Status
}

// transitions is the app state machine:
//
//	not_start -> downloading -> downloaded -> ingesting -> succeed
//	{downloading, downloaded, ingesting} -> failed
//	{downloading, downloaded, ingesting} -> pausing -> paused -> downloading
//	any non-terminal -> canceled
var transitions = map[Event]edge{
	EventStart:           {from: []Status{cluster.StatusNotStart}, to: cluster.StatusDownloading},
	EventAllDownloaded:   {from: []Status{cluster.StatusDownloading}, to: cluster.StatusDownloaded},
	EventIngest:          {from: []Status{cluster.StatusDownloaded}, to: cluster.StatusIngesting},
	EventAllSucceed:      {from: []Status{cluster.StatusIngesting}, to: cluster.StatusSucceed},
	EventPartitionFailed: {from: active, to: cluster.StatusFailed},
	EventPause:           {from: active, to: cluster.StatusPausing},
	EventAllPaused:       {from: []Status{cluster.StatusPausing}, to: cluster.StatusPaused},
	EventRestart:         {from: []Status{cluster.StatusPaused}, to: cluster.StatusDownloading},
	EventCancel:          {from: nonTerminal, to: cluster.StatusCanceled},
	EventForceCancel:     {from: nonTerminal, to: cluster.StatusCanceled},
}

// Transition returns the status an app moves to when ev happens in status
// from. Pairs outside the state machine yield an errors.ErrInvalidState
// error.
func Transition(from Status, ev Event) (Status, error) {
	e, ok := transitions[ev]
	if ok {
		for _, s := range e.from {
			if s == from {
				return e.to, nil
			}
		}
	}
	return cluster.StatusInvalid, errors.Newf(errors.ErrInvalidState, "cannot %s while %s", ev, from)
}

// controlEvent maps an operator action to its event.
func controlEvent(t cluster.ControlType) (Event, bool) {
	switch t {
	case cluster.ControlPause:
		return EventPause, true
	case cluster.ControlRestart:
		return EventRestart, true
	case cluster.ControlCancel:
		return EventCancel, true
	case cluster.ControlForceCancel:
		return EventForceCancel, true
	}
	return 0, false
}
