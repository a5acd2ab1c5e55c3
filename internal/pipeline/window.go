// Package pipeline executes one (loader, time window) pair: it prepares
// the templated SQL, queries the source, transforms rows into aggregated
// signals, applies the purge strategy, ingests, and records history plus
// the post-execution loader state.
package pipeline

import (
	"time"

	"github.com/etlmon/backend/internal/core"
)

// ComputeWindow derives the next scheduled window for a loader. The second
// return is false while the loader is not yet due, i.e. the window is
// shorter than minIntervalSeconds.
func ComputeWindow(l *core.Loader, now time.Time) (core.TimeWindow, bool) {
	var from time.Time
	if l.LastLoadTimestamp == nil {
		from = now.Add(-time.Duration(l.MinIntervalSeconds) * time.Second)
	} else {
		from = *l.LastLoadTimestamp
	}

	to := now
	if cap := from.Add(time.Duration(l.MaxQueryPeriodSeconds) * time.Second); cap.Before(to) {
		to = cap
	}

	w := core.TimeWindow{From: from.UTC(), To: to.UTC()}
	if w.Duration() < time.Duration(l.MinIntervalSeconds)*time.Second {
		return w, false
	}
	return w, true
}

// failedRecoveryAfter is how long a FAILED loader sits out before the
// scheduler treats it as IDLE again.
const failedRecoveryAfter = 20 * time.Minute

// Due reports whether the loader's status allows dispatch at now. A FAILED
// loader recovers by predicate alone; no row update happens until its next
// successful run.
func Due(l *core.Loader, now time.Time) bool {
	switch l.LoadStatus {
	case core.LoadIdle:
		return true
	case core.LoadFailed:
		return l.FailedSince != nil && now.Sub(*l.FailedSince) >= failedRecoveryAfter
	}
	return false
}
