/*
Package events is an in-memory broker for deployment progress events.

The orchestrator publishes one event per stage transition, health attempt and
rollback step. The CLI subscribes and prints them; tests subscribe to assert
the sequence of stages a run went through.

	Publisher → eventCh (buffer: 100) → run loop → Subscriber (buffer: 50 each)

Publish blocks only while the broker queue is full. A subscriber whose buffer
is full misses the event instead of stalling the run.

Close drains the queue, closes every subscriber channel and waits for the run
loop, so a reader ranging over its subscription sees every queued event and
then terminates:

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			fmt.Printf("[%s] %s\n", ev.Stage, ev.Message)
		}
	}()

	outcome, err := deployer.Deploy(ctx, tag)
	broker.Close()
	<-done
*/
package events
