package worker

import "os"

// killSignal returns the signal sent to a worker as the first step of its
// kill sequence; a force Kill follows if it hasn't exited within
// KillGracePeriod (spec §4.6 "send stop signal; wait grace period;
// force-terminate").
func killSignal() os.Signal {
	return os.Interrupt
}
