// Command r2console is the interactive console mediating between an
// operator, an AI completion backend, and a remote JSON-RPC tool bridge
// for Android reverse engineering.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/r2bridge/console/config"
	"github.com/r2bridge/console/history"
	"github.com/r2bridge/console/knowledge"
	"github.com/r2bridge/console/render"
)

func main() {
	var (
		configFile  = pflag.String("config", "./config.json", "Path to config JSON file (comments allowed)")
		kbFile      = pflag.String("kb", "./kb.json", "Path to the knowledge base file")
		sessionFile = pflag.String("session", "./session.json", "Path to the saved conversation")
		plain       = pflag.Bool("plain", false, "Force the unstyled renderer even on a terminal")
		verbose     = pflag.Bool("verbose", false, "Enable verbose logging to stderr")
	)
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var out render.Renderer
	if *plain {
		out = render.NewPlain(os.Stdout)
	} else {
		out = render.New(os.Stdout)
	}

	cfg, problems, err := config.Load(*configFile)
	if err != nil {
		out.Error("config load failed: %v", err)
		os.Exit(1)
	}
	for _, p := range problems {
		out.Warn("config: %s", p)
	}

	kb, err := knowledge.OpenStore(*kbFile)
	if err != nil {
		out.Warn("knowledge base unavailable: %v", err)
		kb = nil
	}

	a := newApp(*configFile, cfg, out, os.Stdin, logger, kb)

	if msgs, err := history.LoadMessages(*sessionFile); err != nil {
		out.Warn("saved conversation not loaded: %v", err)
	} else if len(msgs) > 0 {
		a.conv.Restore(msgs)
		out.Info("restored %d messages from the previous session; ai_continue resumes it", a.conv.Len())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if text, err := a.bridge.Health(ctx); err != nil {
		out.Warn("bridge unreachable at %s: %v", cfg.BridgeURL, err)
	} else {
		out.Info("bridge: %s", text)
	}
	if err := a.loadTools(ctx); err != nil {
		out.Warn("tools/list failed, AI loop disabled until bridge_reload: %v", err)
	}

	out.Info("r2console ready; type help for commands")
	repl(ctx, a)

	if err := history.SaveMessages(*sessionFile, a.conv.Export()); err != nil {
		out.Warn("conversation not saved: %v", err)
	}
	if err := config.Save(*configFile, a.cfg); err != nil {
		out.Warn("config not saved: %v", err)
	}
}

// repl reads operator lines until exit or interrupt. Input goes through
// the app's shared reader so confirmation prompts inside a command never
// race the command loop for stdin. Command errors other than the exit
// sentinel are rendered, never fatal.
func repl(ctx context.Context, a *app) {
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Print("r2> ")
		line, err := a.in.ReadString('\n')
		if err != nil {
			return
		}

		if err := dispatch(ctx, a, line); err != nil {
			if err == errExit {
				return
			}
			a.out.Error("%v", err)
		}
	}
}
