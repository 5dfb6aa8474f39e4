// Command axiomd is a minimal standalone example wiring an Engine and an
// in-process worker together, grounded in the teacher's samples/simple
// main.go structure: construct a backend (here, an Engine), register
// handlers, start a worker, and drive one workflow end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/axiom-workflow-engine/axiom"
	"github.com/axiom-workflow-engine/axiom/internal/dispatcher"
)

func main() {
	dataDir := flag.String("data-dir", "./axiomd-data", "directory holding the write-ahead log")
	trace := flag.Bool("trace", false, "pretty-print OpenTelemetry spans to stdout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	opts := []axiom.Option{
		axiom.WithDataDir(*dataDir),
		axiom.WithLogger(logger),
		axiom.WithLeaseDuration(30 * time.Second),
		axiom.WithWorkerPollInterval(200 * time.Millisecond),
	}

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("building trace exporter", "error", err)
			os.Exit(1)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		defer tp.Shutdown(context.Background())
		opts = append(opts, axiom.WithTracerProvider(tp))
	}

	engine, err := axiom.New(opts...)
	if err != nil {
		logger.Error("opening engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	worker := engine.NewWorkerRuntime("axiomd-worker-1")
	worker.RegisterHandler("greet", func(ctx context.Context, task dispatcher.Task) (any, error) {
		return fmt.Sprintf("hello, workflow %s", task.WorkflowID), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	defer func() {
		worker.Stop()
		worker.WaitForCompletion()
	}()

	if err := engine.CreateWorkflow(ctx, "demo-1", "greeting", nil, []string{"greet"}); err != nil {
		logger.Error("creating workflow", "error", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := engine.GetWorkflowState(ctx, "demo-1")
		if err != nil {
			logger.Error("getting workflow state", "error", err)
			os.Exit(1)
		}

		if state.Overall == "completed" {
			logger.Info("workflow completed", "output", state.Output)
			return
		}
		if state.Overall == "failed" {
			logger.Error("workflow failed", "error", state.Error)
			os.Exit(1)
		}

		// Re-advance in case the worker already reported while we were
		// between polls — Advance is a no-op (errs.ErrNoRunnableStep) when
		// there's nothing to schedule yet.
		_ = engine.Advance(ctx, "demo-1")

		time.Sleep(100 * time.Millisecond)
	}

	logger.Error("workflow did not complete before deadline")
	os.Exit(1)
}
