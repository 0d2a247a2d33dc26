package scheduler

import "golang.org/x/sys/unix"

// ApplyProcessNiceness applies the niceness derived from p to the current
// process via setpriority(2), mirroring the source's per-worker-process
// nice(2) call. Unlike the source, workers and combiners here are
// goroutines sharing one OS process (DESIGN NOTES "Globals -> context
// objects"), so niceness can only be set once for the whole engine process
// rather than per slot; callers apply this during process start-up.
func ApplyProcessNiceness(p float64) error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, Niceness(p))
}
