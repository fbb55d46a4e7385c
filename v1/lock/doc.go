// Package lock provides a mutual-exclusion lock shared across processes.
//
// Redis is the primary implementation: acquisition is a single SET NX PX and
// release/extend are Lua scripts that compare the caller's token before acting,
// so a stale holder can never delete or extend a lock that has since been
// taken by someone else. Local offers the same contract inside one process
// and is used as a fallback while Redis is unreachable. Resilient chooses
// between the two behind a circuit breaker, and Watchdog keeps registered
// locks alive by extending their TTL on a fixed-delay schedule.
//
// Lock and unlock events are announced on a syncbus.Bus; timed acquisition
// still polls, but wakes early when an unlock event for the key arrives.
package lock
