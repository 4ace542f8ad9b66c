// Package ipc implements the channel registry: typed communication
// channels between named endpoints, point-to-point and channel-wide
// message routing, fan-out subscriptions and correlated request/response.
//
// Each channel owns a single dispatcher goroutine, so every message sent on
// a channel reaches every subscriber in send order. There is no ordering
// across channels. Delivery is at-most-once: a message racing a
// DestroyChannel may be dropped.
//
// Request registers a waiter keyed by the message id and blocks until a
// Reply carrying that id is dispatched on the same channel, the timeout
// elapses (ErrResponseTimeout), or the channel is destroyed
// (ErrChannelClosed).
package ipc
