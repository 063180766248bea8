package pool

import "context"

type taskInfoKey struct{}

// TaskInfo identifies the task a handler call belongs to.
type TaskInfo struct {
	TaskID   string
	WorkerID string
}

func withTaskInfo(ctx context.Context, info TaskInfo) context.Context {
	return context.WithValue(ctx, taskInfoKey{}, info)
}

// TaskInfoFrom returns the TaskInfo attached to a handler context.
func TaskInfoFrom(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskInfoKey{}).(TaskInfo)
	return info, ok
}
