package dep

import "context"

// Policy is the narrow boundary between the dependency core and the
// scheduling policy. The core owns no policy state.
//
// PushReady is invoked by the dispatcher once a task has acquired every
// buffer. It is always called with no core lock held and must not call
// back into the dispatcher synchronously.
//
// PopForWorker blocks until a ready task is available for the given worker
// or ctx is cancelled.
type Policy interface {
	PushReady(t *Task)
	PopForWorker(ctx context.Context, workerID int) (*Task, error)
}
