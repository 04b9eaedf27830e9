package task

import (
	"context"

	"github.com/xraph/credits/id"
)

type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskID id.TaskID) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	// ListTasks returns an account's tasks, newest first.
	ListTasks(ctx context.Context, accountID string, opts ListOpts) ([]*Task, error)
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
