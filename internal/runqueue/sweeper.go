package runqueue

import (
	"context"
	"time"
)

// RunNoMatchSweeper runs until ctx is cancelled, waking on the soonest
// pending run's timeout_at rather than a fixed polling interval. onExpired
// is called (outside the queue lock) once for each newly-expired run.
func RunNoMatchSweeper(ctx context.Context, q *Queue, onExpired func(runID string, sessionID string, errMsg string)) {
	const idleCheck = 5 * time.Second

	timer := time.NewTimer(idleCheck)
	defer timer.Stop()

	for {
		wait := idleCheck
		if soonest, ok := q.NextTimeout(); ok {
			if until := time.Until(soonest); until > 0 {
				wait = until
			} else {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			expired := q.SweepNoMatch(time.Now().UTC())
			for _, run := range expired {
				errMsg := ""
				if run.Error != nil {
					errMsg = *run.Error
				}
				onExpired(run.RunID, run.SessionID, errMsg)
			}
		}
	}
}
