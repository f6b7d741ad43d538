package server

import (
	"context"
	"time"

	"vsr-engine/internal/pubsub"
)

/*
Background jobs of a node. Each job subscribes to NodeShutDown and also watches the node context, so it exits
whichever comes first and never leaks its goroutine.
*/

// TickJob drives the logical clock of the replica: every interval it asks enqueue to run one Tick on the event
// loop. A tick is skipped, not queued, when the loop is saturated. It should be called as a goroutine.
func TickJob(ctx context.Context, id string, interval time.Duration, broker *pubsub.Broker, enqueue func() bool) {
	stopJobCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(broker, NodeShutDown, stopJobCh, pubsub.SubscriptionOptions{IsBlocking: false})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nlog.Debugf("[JOB] [%s] started TickJob every %v", id, interval)

	skipped := 0
	for {
		select {
		case <-ticker.C:
			if !enqueue() {
				skipped++
				if skipped%100 == 1 {
					nlog.Warningf("[JOB] [%s] event loop saturated, %d ticks skipped", id, skipped)
				}
			}
		case <-stopJobCh:
			nlog.Debugf("[JOB] [%s] stopping TickJob", id)
			return
		case <-ctx.Done():
			nlog.Debugf("[JOB] [%s] stopping TickJob", id)
			return
		}
	}
}
