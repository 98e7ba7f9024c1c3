package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/haricheung/storyagent/internal/checkpoint"
	"github.com/haricheung/storyagent/internal/config"
	"github.com/haricheung/storyagent/internal/dialogue"
	"github.com/haricheung/storyagent/internal/llm"
	"github.com/haricheung/storyagent/internal/session"
	"github.com/haricheung/storyagent/internal/turnlog"
	"github.com/haricheung/storyagent/internal/ui"
)

// provider is what main needs from either model client.
type provider interface {
	dialogue.Model
	Validate() error
}

func main() {
	if path, ok := config.FindDotEnv("."); ok {
		if err := config.LoadDotEnv(path); err != nil {
			fmt.Fprintf(os.Stderr, "storyagent: %v\n", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "storyagent: %v\n", err)
		os.Exit(1)
	}

	// Debug output goes to a file or nowhere; the terminal belongs to the chat.
	logOut, closeLog := openDebugLog(cfg.DebugLogPath)
	defer closeLog()
	log.SetOutput(logOut)
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, nil)))

	model := newProvider(cfg)
	if err := model.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "storyagent: %v\n", err)
		os.Exit(1)
	}

	store, err := checkpoint.NewMemory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "storyagent: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          session.Prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "storyagent: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	loop := session.New(rl, ui.New(os.Stdout, cfg.Color), dialogue.New(model, store), turnlog.NewRegistry(cfg.TraceDir))
	slog.Info("[MAIN] ready", "provider", cfg.Provider, "session", loop.SessionID())
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "storyagent: %v\n", err)
		os.Exit(1)
	}
}

func newProvider(cfg *config.Config) provider {
	switch cfg.Provider {
	case config.ProviderAzure:
		return llm.NewAzure(llm.WithTemperature(cfg.Temperature))
	case config.ProviderAnthropic:
		return llm.NewAnthropic(llm.WithAnthropicTemperature(cfg.Temperature))
	default:
		return llm.NewTier("STORY", llm.WithTemperature(cfg.Temperature))
	}
}

func openDebugLog(path string) (io.Writer, func()) {
	if path == "" {
		return io.Discard, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storyagent: debug log disabled: %v\n", err)
		return io.Discard, func() {}
	}
	return f, func() { _ = f.Close() }
}
