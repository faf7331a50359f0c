// Package agent is the embedding surface of the N|Solid agent core.
//
// An Agent owns one service goroutine plus the instrumentation state of
// every registered worker thread. Workers produce counters, duration
// datapoints and span fragments without ever blocking on the agent; the
// agent assembles, aggregates and fans the results out to subscribers and
// to the configured transports (binary pub/sub, statsd, OTLP).
//
// Typical embedding:
//
//	core := agent.New(agent.Options{Logger: logger})
//	core.Start()
//
//	th := core.StartThread("main")
//	th.Submit(func() {
//		th.RecordCounter(agent.SlotHTTPServerCount, 1)
//		th.PushDatapoint(agent.KindHTTPServer, latencyMs)
//
//		span := th.StartSpanWithIds(agent.SpanHTTPServer, "GET /", "")
//		span.SetKind(agent.KindServer)
//		span.SetHTTPMethod("GET")
//		// ... handle the request ...
//		span.SetHTTPStatusCode(200)
//		span.End()
//	})
//
// Subscribers register on the agent side:
//
//	core.OnSpan(uint32(agent.SpanHTTPServer), func(s agent.SpanStor) { ... })
//	core.OnDatapoints(uint32(agent.KindGC), func(batch []agent.Datapoint) { ... })
//	core.OnBlockedLoop(100*time.Millisecond, func(t *agent.Thread, body string) { ... })
//
// Configuration is a JSON merge-patch (RFC 7396); every effective change
// advances a version counter and fires the configuration-changed hooks once:
//
//	core.UpdateConfig(`{"tracingEnabled": true, "interval": 1000}`)
//
// Hook callbacks run on the agent goroutine, except thread-added and
// thread-removed hooks, which run on the goroutine that starts or removes the
// thread; keep them short and hand heavy work elsewhere.
package agent
