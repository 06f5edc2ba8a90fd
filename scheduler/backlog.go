package scheduler

// Window is one half-open evaluation interval [Start, End) in epoch seconds.
type Window struct {
	Start int64
	End   int64
}

// Backlog computes the windows owed to a rule since its last run, oldest
// first. A rule that has never run gets exactly one window ending now. When
// the owed count exceeds max, only the oldest max windows are returned and
// the rest are reported as deferred; the checkpoint stops at the end of the
// returned batch, so deferred windows come back on later ticks rather than
// being dropped.
func Backlog(lastRunTS, now, scheduleSec int64, max int) (windows []Window, deferred int) {
	if scheduleSec <= 0 || max < 1 {
		return nil, 0
	}

	if lastRunTS <= 0 {
		return []Window{{Start: now - scheduleSec, End: now}}, 0
	}
	if now-lastRunTS < scheduleSec {
		return nil, 0
	}

	owed := (now - lastRunTS) / scheduleSec
	if owed > int64(max) {
		deferred = int(owed - int64(max))
		owed = int64(max)
	}

	windows = make([]Window, 0, owed)
	for i := int64(0); i < owed; i++ {
		windows = append(windows, Window{
			Start: lastRunTS + i*scheduleSec,
			End:   lastRunTS + (i+1)*scheduleSec,
		})
	}
	return windows, deferred
}
