package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/wastedesk/wastedesk/internal/declaration"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPollSessions resolves pending registry sessions.
	TaskPollSessions = "declaration:sessions:poll"
	// TaskDetectLate parks overdue undeclared lines for approval.
	TaskDetectLate = "declaration:late:detect"
	// TaskScheduleReceivals creates the monthly first and monthly receival jobs.
	TaskScheduleReceivals = "declaration:receivals:schedule"
	// TaskProcessJobs runs pending declaration jobs.
	TaskProcessJobs = "declaration:jobs:process"
)

// TriggerPayload optionally pins a trigger to a period. An empty period means
// the trigger derives it from the clock.
type TriggerPayload struct {
	Period string `json:"period,omitempty"`
}

// TriggerNames lists every task type handled by Triggers.
func TriggerNames() []string {
	return []string{TaskPollSessions, TaskDetectLate, TaskScheduleReceivals, TaskProcessJobs}
}

// NewTriggerTask builds an Asynq task for the named trigger.
func NewTriggerTask(name string, payload TriggerPayload) (*asynq.Task, error) {
	if !knownTrigger(name) {
		return nil, fmt.Errorf("jobs: unknown trigger %q", name)
	}
	if payload.Period != "" {
		if _, err := declaration.ParsePeriod(payload.Period); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(name, body, asynq.Queue(QueueDefault)), nil
}

func knownTrigger(name string) bool {
	for _, known := range TriggerNames() {
		if known == name {
			return true
		}
	}
	return false
}

func decodeTriggerPayload(t *asynq.Task) (TriggerPayload, *declaration.Period, error) {
	var payload TriggerPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return payload, nil, err
		}
	}
	if payload.Period == "" {
		return payload, nil, nil
	}
	period, err := declaration.ParsePeriod(payload.Period)
	if err != nil {
		return payload, nil, err
	}
	return payload, &period, nil
}
