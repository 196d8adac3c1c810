package recordvalidator

// WorkerState is the lifecycle state of one managed validator process.
//
// Transitions: starting -> idle -> busy -> idle (repeatable),
// idle|busy -> failed on error, any -> terminated on recycle or shutdown.
// A worker only becomes externally visible as idle after warmup succeeds.
type WorkerState string

const (
	// WorkerStarting covers spawn plus warmup.
	WorkerStarting WorkerState = "starting"
	// WorkerIdle means the worker is warm and available for a job.
	WorkerIdle WorkerState = "idle"
	// WorkerBusy means the worker is executing a job.
	WorkerBusy WorkerState = "busy"
	// WorkerFailed means the worker errored and awaits recycling.
	WorkerFailed WorkerState = "failed"
	// WorkerTerminated means the worker's process has been stopped.
	WorkerTerminated WorkerState = "terminated"
)
