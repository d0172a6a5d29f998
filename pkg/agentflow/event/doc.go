// Package event carries observability notifications for agentflow runs.
//
// Event-loop nodes publish loop_started, loop_iteration, loop_completed and
// the text and input-request events listed in LoopKinds; the graph executor
// publishes run, node and edge events. All of them travel over a Bus.
//
// # Events
//
// BaseEvent[T] carries a typed payload plus metadata. The correlation ID is
// the run ID for everything the executor and its nodes publish:
//
//	evt := event.New(event.LoopIteration, "draft", event.LoopPayload{
//	    NodeID:    "draft",
//	    Iteration: 2,
//	}, event.WithCorrelationID(runID))
//
// # Bus
//
// LocalBus is an in-process pub/sub bus. Every subscription owns a buffered
// channel drained by a dedicated goroutine, so a single subscriber receives
// events in publish order while slow subscribers do not stall each other in
// NonBlocking mode:
//
//	bus := event.NewBus(event.DefaultBusConfig)
//	defer bus.Close()
//
//	bus.Subscribe([]string{event.ClientOutputDelta}, event.TypedHandler(
//	    func(ctx context.Context, p event.LoopPayload, _ event.Metadata) error {
//	        fmt.Print(p.Content)
//	        return nil
//	    }))
//
// Delivery is asynchronous. Close delivers whatever subscribers still have
// queued before it returns, so a deferred Close is enough to see the last
// text delta of a run. Unsubscribe drops the queue instead.
package event
