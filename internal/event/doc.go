// Package event provides the pub-sub bus the engine publishes lifecycle
// events on. Subscribers such as the log bridge, telemetry counters and
// per-agent output sinks attach without the publishers knowing about them.
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine and are protected against panics: a panicking
// handler is logged and the remaining handlers still run.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	bus.Subscribe(event.TypeAgentSpawned, func(e event.Event) {
//	    spawned := e.(event.AgentSpawnedEvent)
//	    fmt.Println(spawned.AgentID, spawned.Workspace)
//	})
//
//	// Handle does the type assertion.
//	event.Handle(bus, event.TypeLaneViolation, func(v event.LaneViolationEvent) {
//	    fmt.Println(v.AgentID, "wrote", v.Path)
//	})
//
//	// Wildcard subscribers see every event.
//	bus.SubscribeAll(func(e event.Event) {
//	    fmt.Println(e.EventType(), e.Timestamp())
//	})
//
//	bus.Publish(event.NewAgentStoppedEvent("api-1767225600000000000", "teardown"))
//
// Event types follow the pattern "category.action": task.transitioned,
// agent.spawned, agent.stale, lane.violation, conflict.opened and so on.
// A nil *Bus drops every event, so components can publish unconditionally.
package event
