// Package router dispatches events to room members.
//
// # Publish and Relay
//
// Producers call Publish. The router stamps the event with this instance's
// origin, delivers it to the current local members of the room and hands one
// copy to the attached RemotePublisher (the bus adapter).
//
// The bus adapter calls Relay for envelopes from other instances. Relay drops
// this instance's own echoes and duplicate IDs, delivers locally, and never
// forwards. An event therefore crosses the bus at most once.
//
// # Delivery
//
// A frame is encoded once per event and enqueued to each member without
// blocking. A member whose send queue is full is skipped and closed; the rest
// of the room still receives the event. Events from one goroutine to one room
// are enqueued in call order, so members see them in publish order.
package router
