// Package runtime is the cross-thread instrumentation fabric of the agent
// core: per-worker state, the process-wide thread registry, the command
// router and the dedicated agent service loop.
//
// # Overview
//
// Every instrumented worker owns an event loop driven by a single goroutine.
// The agent never touches a worker directly; it dispatches commands that the
// worker delivers at one of its safe points:
//   - EventLoop discipline: the next loop tick
//   - Interrupt discipline: the next loop boundary or cooperative checkpoint,
//     with script execution disallowed while the command runs
//   - InterruptOnly discipline: only a checkpoint inside a handler, so the
//     handler's stack is beneath the command
//
// Data flows the other way through lock-free-enough paths: workers bump
// shared counter slots in place, and push span fragments and metric
// datapoints onto queues the agent loop drains in bounded batches.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│         Agent Loop (one goroutine)          │
//	│   - blocked-loop timer (100ms)              │
//	│   - quantile refresh timer                  │
//	│   - datapoint/span dispatch (100/100ms)     │
//	│   - hook lists, id pools, config fan-out    │
//	├─────────────────────────────────────────────┤
//	│         Registry                            │
//	│   thread id -> Inst, main-thread tag        │
//	├─────────────────────────────────────────────┤
//	│         Workers (one goroutine each)        │
//	│   EventLoop + Inst: counters, trace mask,   │
//	│   command queues, rolling loop metrics      │
//	└─────────────────────────────────────────────┘
//
// # Lifetime
//
// A worker's Inst outlives cross-thread callers through the scope lock:
// command dispatch holds the read side for the enqueue, teardown takes the
// write side, waits out in-flight commands, then clears the loop pointer.
// After Registry.Remove returns, Dispatch reports ErrNotAlive and queued
// commands have been drained without running.
package runtime
