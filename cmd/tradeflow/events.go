package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rendis/tradeflow/internal/emergency"
	"github.com/rendis/tradeflow/pkg/schema"
)

// eventTopics lists every topic the engine and the emergency controller publish on.
func eventTopics() []string {
	topics := make([]string, 0, 20)
	for _, t := range []string{
		schema.EventExecutionStarted,
		schema.EventExecutionCompleted,
		schema.EventExecutionHalted,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
		schema.EventNodeFailed,
		schema.EventNodeSkipped,
		schema.EventNodeRetrying,
		schema.EventEmergencyWarning,
	} {
		topics = append(topics, schema.Topic(schema.TopicExecution, t))
	}
	for _, action := range []string{
		emergency.ActionPause,
		emergency.ActionHalt,
		emergency.ActionResume,
		emergency.ActionEmergencyHalt,
		emergency.ActionOverride,
		emergency.ActionAutoHalt,
		schema.EventRiskLimitExceeded,
	} {
		topics = append(topics, schema.Topic(schema.TopicEmergency, action))
	}
	return topics
}

// tailEvents writes every forwarded event to w as one JSON line. It returns
// once the subscriptions are in place; delivery stops when ctx is done or
// the pub/sub is closed.
func (a *app) tailEvents(ctx context.Context, w io.Writer) error {
	var mu sync.Mutex
	for _, topic := range eventTopics() {
		msgs, err := a.pubSub.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		go func() {
			for msg := range msgs {
				mu.Lock()
				_, _ = fmt.Fprintf(w, "%s\n", msg.Payload)
				mu.Unlock()
				msg.Ack()
			}
		}()
	}
	return nil
}
