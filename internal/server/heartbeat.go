package server

import "time"

// runHeartbeat pings the peer at a fixed interval and requires a pong
// within timeout. A missed pong, or a ping that cannot be written, calls
// onDead exactly once and stops. This is the mechanism that reclaims
// sessions from browser tabs that vanished without a clean close.
//
// The pong channel must have capacity 1 and be fed by the connection's
// pong handler. Stale pongs from a previous cycle are drained before each
// ping so the wait below only observes answers to the ping just sent.
func runHeartbeat(interval, timeout time.Duration, ping func() error, pong <-chan struct{}, stop <-chan struct{}, onDead func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		select {
		case <-pong:
		default:
		}

		if err := ping(); err != nil {
			onDead()
			return
		}

		select {
		case <-pong:
		case <-time.After(timeout):
			onDead()
			return
		case <-stop:
			return
		}
	}
}
