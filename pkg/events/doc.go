/*
Package events provides the in-process pub/sub bus for pool, execution,
session, and state lifecycle events.

	 pool ─┐                       ┌─▶ logging sink (kilnd)
	runner ─┤  Publish   ┌────────┐ │
	session ─┼──────────▶│ Broker │─┼─▶ metrics counters
	 state ─┘            └────────┘ │
	                eventCh (100)   └─▶ api event stream
	                per-sub buffer (50)

Publish is non-blocking: the broker buffers 100 events and each subscriber
another 50; a subscriber that falls behind misses events rather than stalling
the pool or runner hot path. Delivery is best effort and in-memory only;
anything that must survive a restart belongs in the KV store, not here.
*/
package events
