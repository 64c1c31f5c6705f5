package bus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicAgentEvents carries worker lifecycle events (registered, heartbeat
// expired). Observability tooling subscribes here.
const TopicAgentEvents = "events.agents"

func TopicTaskEvents(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicPipelineEvents(taskID string) string {
	return fmt.Sprintf("events.pipeline.%s", taskID)
}

func TopicSchedulerEvents(jobName string) string {
	return fmt.Sprintf("events.scheduler.%s", jobName)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsTask     = "events.task.*"
	TopicEventsPipeline = "events.pipeline.*"
)
