package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowcore/flowcore/runtime/dispatch"
	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
	"github.com/flowcore/flowcore/runtime/flow"
	"github.com/flowcore/flowcore/runtime/session"
	"github.com/flowcore/flowcore/runtime/telemetry"
	"github.com/flowcore/flowcore/runtime/toolpipeline"
)

var (
	runInput   string
	runSession string
)

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Load and execute a workflow graph, streaming its envelopes as NDJSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlow,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "{}", "JSON input passed to the graph's INPUT node")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id to register with the dispatcher (generated if empty)")
}

func runFlow(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read graph file: %w", err)
	}

	var input any
	if err := json.Unmarshal([]byte(runInput), &input); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	if runSession == "" {
		runSession = session.NewID()
	}

	registry := flow.NewBuiltinRegistry()
	g, err := loadGraph(path, data, registry)
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	log := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()

	tracker := execid.New(time.Hour)
	dispatcher := dispatch.New(dispatch.WithLogger(log))
	dispatcher.Start()
	defer dispatcher.Stop()

	sink := dispatch.SinkFunc(func(_ context.Context, env events.Envelope) error {
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return err
	})
	emitter, err := dispatcher.Register(runSession, sink)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	pipeline := toolpipeline.New(tracker, emitter, []toolpipeline.Interceptor{
		toolpipeline.NewLoggingInterceptor(log),
		toolpipeline.NewCachingInterceptor(),
		toolpipeline.NewGuardrailsInterceptor(),
		toolpipeline.NewMetricsInterceptor(metrics),
	}, toolpipeline.WithLogger(log), toolpipeline.WithMetrics(metrics))

	executor := flow.New(tracker, pipeline, registry, flow.WithLogger(log), flow.WithMetrics(metrics))

	sessionStore := session.NewMemStore()
	ctx := context.Background()
	if _, err := sessionStore.Create(ctx, runSession, time.Now()); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() { _, _ = sessionStore.End(ctx, runSession, time.Now()) }()

	result, err := executor.Execute(ctx, g, input, emitter)
	if err != nil {
		return fmt.Errorf("execute flow: %w", err)
	}

	tree, err := tracker.RenderTree(result.FlowID)
	if err == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), tree)
	}

	if result.Status == execid.StatusFailed {
		return fmt.Errorf("flow failed: %w", result.Error)
	}
	return nil
}

func loadGraph(path string, data []byte, registry *flow.Registry) (*flow.Graph, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return flow.LoadJSON(data, registry, false)
	default:
		return flow.LoadYAML(data, registry, false)
	}
}
