package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskDeferredDue = "pipeline.deferred.due"

const TaskDispatchOutboxDue = "dispatch.outbox.due"

type DeferredDuePayload struct {
	DeferredID string `json:"deferredId"`
	TenantID   string `json:"tenantId"`
}

type DispatchOutboxDuePayload struct {
	OutboxID string `json:"outboxId"`
	TenantID string `json:"tenantId"`
}

func NewDeferredDueTask(payload DeferredDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeferredDue, data), nil
}

func ParseDeferredDuePayload(task *asynq.Task) (DeferredDuePayload, error) {
	var payload DeferredDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DeferredDuePayload{}, err
	}
	return payload, nil
}

func NewDispatchOutboxDueTask(payload DispatchOutboxDuePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatchOutboxDue, data), nil
}

func ParseDispatchOutboxDuePayload(task *asynq.Task) (DispatchOutboxDuePayload, error) {
	var payload DispatchOutboxDuePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DispatchOutboxDuePayload{}, err
	}
	return payload, nil
}
