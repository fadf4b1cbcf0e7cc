/*
Package event provides the typed pub/sub bus that session components report
through.

Subscribers receive the Go payload directly, so type assertions on Event.Data
work. Every published event is also mirrored as JSON onto a watermill gochannel
topic; Stream consumers (the SSE endpoint, the watch command) read from there.

There is no package-level bus. Create one with NewBus, hand it to the registry,
store and orchestrator, and Close it on shutdown.

# Event Types

Session Events:
  - session.disposed: Session released from the live registry
  - session.title: Session title changed

Turn Events:
  - turn.added: Turn appended to a session
  - turn.removed: Turn removed (removal, resend or adoption)
  - checkpoint.changed: Checkpoint moved or cleared

Response Events:
  - response.changed: Content or metadata of a response changed
  - response.completed: Response reached a terminal state

Store Events:
  - store.flushed: A queued write finished and the index was flushed

# Basic Usage

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.TurnAdded, func(e event.Event) {
		data := e.Data.(event.TurnAddedData)
		logging.Info().Str("turn", data.TurnID).Msg("turn added")
	})
	defer unsubscribe()

	bus.PublishSync(event.Event{
		Type:      event.TurnAdded,
		SessionID: sessionID,
		Data:      event.TurnAddedData{SessionID: sessionID, TurnID: turnID},
	})

Streaming:

	events, err := bus.Stream(ctx, "")
	for ev := range events {
		fmt.Printf("%s %s\n", ev.Type, ev.Data)
	}
*/
package event
