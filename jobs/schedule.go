package jobs

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// uniqueWindow is how long an enqueued scheduled task stays deduplicated.
const uniqueWindow = 10 * time.Minute

// CronRegistrations turns a task type to cron spec table into worker
// registrations. Blank specs disable a task.
func CronRegistrations(specs map[string]string) ([]CronRegistration, error) {
	var out []CronRegistration
	for _, taskType := range TaskTypes {
		spec := specs[taskType]
		if spec == "" {
			continue
		}
		task, err := NewTask(taskType, Payload{})
		if err != nil {
			return nil, err
		}
		out = append(out, CronRegistration{
			Spec:    spec,
			Task:    task,
			Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(uniqueWindow)},
		})
	}
	for taskType := range specs {
		if !knownTask(taskType) {
			return nil, fmt.Errorf("jobs: cron for unknown task %q", taskType)
		}
	}
	return out, nil
}
