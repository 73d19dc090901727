package jobs

import "context"

type execKey struct{}

// execFrame marks a job running on queue. Frames chain so nested queues can
// be told apart.
type execFrame struct {
	queue  *Queue
	depth  int
	parent *execFrame
}

func withExecution(ctx context.Context, q *Queue) context.Context {
	parent, _ := ctx.Value(execKey{}).(*execFrame)
	depth := 1
	if parent != nil {
		depth = parent.depth + 1
	}
	return context.WithValue(ctx, execKey{}, &execFrame{queue: q, depth: depth, parent: parent})
}

// Depth reports how many job executions enclose ctx.
func Depth(ctx context.Context) int {
	if f, ok := ctx.Value(execKey{}).(*execFrame); ok {
		return f.depth
	}
	return 0
}

// InJob reports whether ctx belongs to a job running on q.
func (q *Queue) InJob(ctx context.Context) bool {
	f, _ := ctx.Value(execKey{}).(*execFrame)
	for ; f != nil; f = f.parent {
		if f.queue == q {
			return true
		}
	}
	return false
}
