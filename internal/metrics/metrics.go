package metrics

import "time"

// Recorder records codeclaw metrics.
type Recorder interface {
	SetJobsRunning(n int)
	SetJobsQueued(n int)
	ObserveJob(kind, status string, d time.Duration)
	IncSpawnRetry()
	ObserveContainerRun(status string, d time.Duration)
	IncIPCCall(tool, result string)
	IncEventDecision(decision string)
	IncScheduledDispatch(result string)
}

// Noop is a Recorder that doesn't record anything.
const Noop = noop(0)

type noop int

func (noop) SetJobsRunning(n int)                               {}
func (noop) SetJobsQueued(n int)                                {}
func (noop) ObserveJob(kind, status string, d time.Duration)    {}
func (noop) IncSpawnRetry()                                     {}
func (noop) ObserveContainerRun(status string, d time.Duration) {}
func (noop) IncIPCCall(tool, result string)                     {}
func (noop) IncEventDecision(decision string)                   {}
func (noop) IncScheduledDispatch(result string)                 {}
