package task

import (
	"errors"
	"fmt"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

var (
	ErrNotFound      = errors.New("credits: task not found")
	ErrTaskFinalized = errors.New("credits: task already finalized")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Task records one billable attempt from its reservation to its outcome.
type Task struct {
	types.Entity
	ID             id.TaskID     `json:"id"`
	AccountID      string        `json:"account_id"`
	Agent          string        `json:"agent"`
	TaskType       string        `json:"task_type"`
	ReservedAmount types.Credits `json:"reserved_amount"`
	Status         Status        `json:"status"`
	Result         any           `json:"result,omitempty"`
	FailedReason   string        `json:"failed_reason,omitempty"`
}

func New(accountID, agent, taskType string, reserved types.Credits) *Task {
	return &Task{
		Entity:         types.NewEntity(),
		ID:             id.NewTaskID(),
		AccountID:      accountID,
		Agent:          agent,
		TaskType:       taskType,
		ReservedAmount: reserved,
		Status:         StatusPending,
	}
}

func (t *Task) IsFinal() bool { return t.Status != StatusPending }

// Succeed stores a JSON-safe copy of result and marks the task successful.
func (t *Task) Succeed(result any) error {
	if t.IsFinal() {
		return t.finalized()
	}
	t.Status = StatusSuccess
	t.Result = types.JSONSafe(result)
	t.FailedReason = ""
	t.Touch()
	return nil
}

func (t *Task) Fail(reason string) error {
	if t.IsFinal() {
		return t.finalized()
	}
	t.Status = StatusFailed
	t.FailedReason = reason
	t.Touch()
	return nil
}

func (t *Task) finalized() error {
	return fmt.Errorf("%w: %s is %s", ErrTaskFinalized, t.ID, t.Status)
}
