package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsDeliberation(runID string) string {
	return fmt.Sprintf("events.deliberation.%s", runID)
}

const (
	TopicEventsAll           = "events.>"
	TopicEventsDeliberations = "events.deliberation.*"
	TopicEventsHealth        = "events.health"
)
