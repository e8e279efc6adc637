// Package servicebus routes commands, queries and events to their handlers.
//
// Commands and queries are bound to exactly one handler by their logical name.
// Sync events fan out to every handler bound to the event name and run
// concurrently. The EventPublisher facade sends sync events to the in-process
// SyncEventBus and async events to a broker-backed bus.AsyncPublisher.
//
// Module collects the four handler lists a host application provides at
// bootstrap and wires them onto the buses in one call.
package servicebus
