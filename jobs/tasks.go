package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskMasterSync pulls master data from the POS.
	TaskMasterSync = "agora:master_sync"
	// TaskOrdersImport ingests the tickets of a business day.
	TaskOrdersImport = "agora:orders_import"
	// TaskFulfillmentRetry retries deliveries that waited on stock.
	TaskFulfillmentRetry = "agora:fulfillment_retry"
	// TaskProductsPush publishes pending pricelists, sale centers and products.
	TaskProductsPush = "agora:products_push"
	// TaskBatchPayments groups the day's card payments into deposit batches.
	TaskBatchPayments = "agora:batch_payments"
	// TaskLossImport writes the day's POS losses off stock.
	TaskLossImport = "agora:loss_import"
)

// TaskTypes lists every task type the worker serves.
var TaskTypes = []string{
	TaskMasterSync,
	TaskOrdersImport,
	TaskFulfillmentRetry,
	TaskProductsPush,
	TaskBatchPayments,
	TaskLossImport,
}

// Payload scopes a task. Zero values mean every active connection, every
// company and the current business day.
type Payload struct {
	ConnectionID int64  `json:"connection_id,omitempty"`
	CompanyID    int64  `json:"company_id,omitempty"`
	BusinessDay  string `json:"business_day,omitempty"`
}

// NewTask builds an asynq task of taskType carrying payload.
func NewTask(taskType string, payload Payload) (*asynq.Task, error) {
	if !knownTask(taskType) {
		return nil, fmt.Errorf("jobs: unknown task type %q", taskType)
	}
	if payload.BusinessDay != "" {
		if _, err := time.Parse(dayLayout, payload.BusinessDay); err != nil {
			return nil, fmt.Errorf("jobs: business day: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

func decodePayload(task *asynq.Task) (Payload, error) {
	var payload Payload
	if len(task.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("%s: decode payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return payload, nil
}

func knownTask(taskType string) bool {
	for _, t := range TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
