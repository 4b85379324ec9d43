package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/config"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/logging"
	"github.com/opal-run/opal/mcpbridge"
	"github.com/opal-run/opal/session"
	"github.com/opal-run/opal/session/inmem"
	"github.com/opal-run/opal/session/jsonl"
	"github.com/opal-run/opal/supervisor"
)

type chatOptions struct {
	rosterPath string
	modelName  string
	workDir    string
	debug      bool
}

// runChat loads the roster and runtime environment, wires a session, and
// drives it from stdin until EOF or interrupt — opal's equivalent of the
// teacher's HTTP/gRPC server loop, collapsed to one local terminal
// subscriber instead of a network-facing endpoint set.
func runChat(ctx context.Context, opts chatOptions) error {
	rt := config.LoadRuntime()
	rosterPath := opts.rosterPath
	if rosterPath == "" {
		rosterPath = rt.RosterPath
	}
	roster, err := config.LoadRoster(rosterPath)
	if err != nil {
		return err
	}
	model, err := roster.Model(opts.modelName)
	if err != nil {
		return err
	}
	prov, err := config.NewProvider(rt, findModelConfig(roster, model, opts.modelName))
	if err != nil {
		return err
	}

	workDir := opts.workDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("opald: resolving working directory: %w", err)
		}
	}

	store, err := openStore(rt.SessionStorePath)
	if err != nil {
		return err
	}

	ctx = logging.NewContext(ctx, logging.Options{Debug: opts.debug || rt.LogDebug, JSON: rt.LogJSON})
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := hooks.New()
	unsubscribeLog := logging.Subscribe(ctx, bus)
	defer unsubscribeLog()

	mcpClients, err := connectMCPServers(roster)
	if err != nil {
		return err
	}

	maxDepth := roster.MaxSubAgentDepth
	if rt.MaxSubAgentDepth > 0 {
		maxDepth = rt.MaxSubAgentDepth
	}
	sess := supervisor.New(supervisor.Config{
		SessionID:        uuid.NewString(),
		Model:            model,
		SystemPrompt:     defaultSystemPrompt,
		WorkingDir:       workDir,
		Provider:         prov,
		Store:            store,
		Bus:              bus,
		ContextWindow:    model.ContextWindow,
		MCPClients:       mcpClients,
		MaxSubAgentDepth: maxDepth,
		ChildTimeout:     rt.ChildTimeout,
	})
	sess.Start(ctx)
	defer sess.Stop()

	printSub := subscribePrinter(ctx, bus)
	defer printSub()

	return runREPL(ctx, sess)
}

// findModelConfig re-resolves the roster's raw ModelConfig (rather than
// the already-converted agent.Model) so config.NewProvider knows which
// backend and credentials to use; Roster.Model intentionally returns the
// narrower agent.Model type since that's all the agent package needs.
func findModelConfig(roster config.Roster, resolved agent.Model, name string) config.ModelConfig {
	if name == "" {
		name = roster.DefaultModel
	}
	for _, m := range roster.Models {
		if m.Name == name {
			return m
		}
	}
	return config.ModelConfig{Provider: resolved.Provider, ID: resolved.ID, MaxTokens: resolved.MaxTokens}
}

// openStore opens a jsonl-backed store when a path is configured, falling
// back to an in-memory store for a throwaway session.
func openStore(path string) (session.Store, error) {
	if path == "" {
		return inmem.New(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("opald: creating session store directory: %w", err)
	}
	return jsonl.Open(path)
}

func connectMCPServers(roster config.Roster) ([]supervisor.MCPClient, error) {
	clients := make([]supervisor.MCPClient, 0, len(roster.MCPServers))
	for _, srv := range roster.MCPServers {
		client, err := mcpbridge.New(mcpbridge.Options{Endpoint: srv.Endpoint, NamePrefix: srv.Name})
		if err != nil {
			return nil, fmt.Errorf("opald: connecting to mcp server %q: %w", srv.Name, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// subscribePrinter renders message/thinking deltas to stdout as they
// stream in, the terminal-facing counterpart to logging.Subscribe's
// structured log line.
func subscribePrinter(ctx context.Context, bus hooks.Bus) func() {
	events, cancel := bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case hooks.EventMessageDelta:
					fmt.Print(ev.Delta)
				case hooks.EventTurnEnd:
					fmt.Println()
				case hooks.EventToolExecStart:
					fmt.Printf("\n[%s] %s\n", ev.Tool, ev.Meta)
				}
			}
		}
	}()
	return cancel
}

func runREPL(ctx context.Context, sess *supervisor.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Print("> ")
			continue
		}
		// Prompt queues the line as a steer itself when a turn is running.
		sess.Prompt(line)
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		default:
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

const defaultSystemPrompt = "You are opal, an autonomous coding agent. Use the tools available to you to satisfy the user's request."
