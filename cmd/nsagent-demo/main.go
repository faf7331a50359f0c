// Command nsagent-demo runs the agent core with a few synthetic workers so
// the full pipeline — counters, datapoints, spans, blocked-loop detection,
// transports — can be observed end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nodesource/nsagent/agent"
	"github.com/nodesource/nsagent/internal/envcfg"
	"github.com/nodesource/nsagent/internal/observability"
	"github.com/nodesource/nsagent/internal/transport"
	"github.com/nodesource/nsagent/internal/transport/pubsub"
)

func main() {
	cfg := envcfg.Load()

	workers := flag.Int("workers", 2, "number of synthetic worker threads")
	commandAddr := flag.String("command", cfg.CommandAddr, "pub/sub command endpoint")
	statsdAddr := flag.String("statsd", cfg.StatsdAddr, "statsd endpoint")
	otlpAddr := flag.String("otlp", cfg.OTLPAddr, "OTLP collector endpoint")
	healthPort := flag.String("health-port", cfg.HealthPort, "health/metrics port")
	flag.Parse()

	obs, err := observability.New(observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
		HealthPort:     *healthPort,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "observability setup failed: %v\n", err)
		os.Exit(1)
	}
	logger := obs.Logger

	core := agent.New(agent.Options{
		Logger:        logger,
		ServiceName:   cfg.ServiceName,
		StatsdAddr:    *statsdAddr,
		OTLPAddr:      *otlpAddr,
		HandleSignals: true,
	})
	core.Start()

	if cfg.TracingEnabled {
		patch := fmt.Sprintf(`{"tracingEnabled": true, "interval": %d}`, cfg.IntervalMillis)
		if err := core.UpdateConfig(patch); err != nil {
			logger.Error("initial configuration rejected", "error", err)
		}
	}

	agentMetrics, err := observability.NewAgentMetrics(obs.Meter)
	if err != nil {
		logger.Error("agent metrics setup failed", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	core.OnSpan(^uint32(0), func(s agent.SpanStor) {
		agentMetrics.CountSpan(ctx, s.Type.String())
	})
	core.OnDatapoints(^uint32(0), func(batch []agent.Datapoint) {
		agentMetrics.CountDatapoints(ctx, len(batch))
	})
	core.OnBlockedLoop(200*time.Millisecond, func(t *agent.Thread, body string) {
		agentMetrics.CountBlockedLoop(ctx, t.ID())
		logger.Warn("worker blocked", "thread_id", t.ID())
	})
	core.OnUnblockedLoop(func(t *agent.Thread, body string) {
		logger.Info("worker unblocked", "thread_id", t.ID())
	})

	var client *pubsub.Client
	if *commandAddr != "" {
		client = startPubSub(core, *commandAddr, logger, obs)
		defer client.Close()
	}

	go func() {
		logger.Info("health server listening", "port", *healthPort)
		if err := obs.Health.Start(ctx); err != nil {
			logger.Error("health server failed", "error", err)
		}
	}()

	// Synthetic workers: each simulates HTTP traffic with the occasional
	// long callback so the blocked-loop detector has something to find.
	mainThread := core.StartThread("main")
	runSyntheticWork(core, mainThread)
	for i := 1; i < *workers; i++ {
		th := core.StartThread(fmt.Sprintf("worker-%d", i))
		runSyntheticWork(core, th)
	}

	logger.Info("nsagent demo running",
		"agent_id", core.AgentID(),
		"workers", *workers,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	obs.Health.Shutdown(shutdownCtx)
	obs.Shutdown(shutdownCtx)
	os.Exit(core.ExitCode())
}

// runSyntheticWork drives a worker with fake HTTP transactions.
func runSyntheticWork(core *agent.Agent, th *agent.Thread) {
	var tick func()
	tick = func() {
		th.Submit(func() {
			latency := float64(5 + rand.Intn(50))
			th.RecordCounter(agent.SlotHTTPServerCount, 1)
			th.PushDatapoint(agent.KindHTTPServer, latency)

			span := th.StartSpanWithIds(agent.SpanHTTPServer, "GET /demo", "")
			span.SetKind(agent.KindServer)
			span.SetHTTPMethod("GET")
			span.SetHTTPURL("/demo")
			time.Sleep(time.Duration(latency) * time.Millisecond)
			th.Checkpoint()
			span.SetHTTPStatusCode(200)
			span.End()

			// Occasionally hog the loop long enough to trip the detector.
			if rand.Intn(100) == 0 {
				time.Sleep(400 * time.Millisecond)
			}
		})
		core.QueueCallbackTimeout(tick, 250*time.Millisecond)
	}
	core.QueueCallbackTimeout(tick, 250*time.Millisecond)
}

// startPubSub connects the binary pub/sub transport and serves a minimal
// command set.
func startPubSub(core *agent.Agent, commandAddr string, logger *slog.Logger, obs *observability.Observability) *pubsub.Client {
	var client *pubsub.Client
	client = pubsub.NewClient(pubsub.Config{
		AgentID:           core.AgentID(),
		Command:           commandAddr,
		HeartbeatInterval: 30 * time.Second,
		Logger:            logger,
		OnCommand: func(msg *transport.CommandMessage) {
			switch msg.Command {
			case "info":
				body, _ := json.Marshal(map[string]any{
					"agentId": core.AgentID(),
					"config":  json.RawMessage(core.ConfigSnapshot()),
				})
				reply := transport.NewCommandMessage(core.AgentID(), "info", msg.RequestID, body)
				encoded, err := reply.Encode()
				if err == nil {
					client.WriteCommand([][]byte{encoded})
				}
			case "metrics":
				if err := core.UpdateProcessMetrics(); err != nil {
					return
				}
				payload, err := core.ProcessMetricsJSON()
				if err != nil {
					return
				}
				reply := transport.NewCommandMessage(core.AgentID(), "metrics", msg.RequestID, json.RawMessage(payload))
				encoded, err := reply.Encode()
				if err == nil {
					client.Write([][]byte{encoded})
				}
			case "updateConfig":
				if err := core.UpdateConfig(string(msg.Body)); err != nil {
					reply := transport.NewErrorMessage(core.AgentID(), msg.Command, msg.RequestID,
						err.Error(), agent.ErrorCode(err))
					encoded, encErr := reply.Encode()
					if encErr == nil {
						client.WriteCommand([][]byte{encoded})
					}
				}
			}
		},
	})
	if err := client.Setup(""); err != nil {
		logger.Error("pub/sub setup failed", "error", err)
		return client
	}
	obs.Health.AddChecker("pubsub", observability.NewTransportHealthChecker("pubsub", client))
	logger.Info("pub/sub transport configured", "command", commandAddr)
	return client
}
