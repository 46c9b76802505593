package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/tailored-agentic-units/workchain/manager"
	"github.com/tailored-agentic-units/workchain/rpc"
	"github.com/tailored-agentic-units/workchain/store"
	"github.com/tailored-agentic-units/workchain/work"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to workchain config JSON file")
		definition = flag.String("definition", "", "Path to a YAML chain definition to submit")
		imageURL   = flag.String("url", "", "Image (or page, with -selector) to download and filter")
		selector   = flag.String("selector", "", "CSS selector locating the image on the -url page")
		name       = flag.String("name", "image-pipeline", "Unique name for a chain built from -url")
		policy     = flag.String("policy", "keep", "Existing work policy for -url: keep, replace, or append")
		storePath  = flag.String("store", "", "Persist work items to this file (overrides config)")
		artifacts  = flag.String("artifacts", "", "Directory for downloaded and filtered images (overrides config)")
		probe      = flag.String("probe", "", "host:port dialed to decide network availability (overrides config)")
		listen     = flag.String("listen", "", "Serve the RPC API on this address until interrupted")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging to stderr")
	)
	flag.Parse()

	if *definition == "" && *imageURL == "" && *listen == "" {
		fmt.Fprintln(os.Stderr, "Usage: workchain [-config <file>] (-url <image> | -definition <file> | -listen <addr>)")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg := manager.DefaultConfig()
	if *configFile != "" {
		loaded, err := manager.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}

	if *storePath != "" {
		cfg.Store = store.Config{Driver: store.DriverFile, Path: *storePath}
	}
	if *artifacts != "" {
		cfg.Artifacts.Root = *artifacts
	}
	if *probe != "" {
		cfg.Constraint.NetworkProbe = *probe
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	runtime, err := manager.New(&cfg, manager.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create workchain runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := runtime.Start(ctx); err != nil {
		log.Fatalf("Failed to start workchain runtime: %v", err)
	}
	defer func() {
		if err := runtime.Shutdown(cfg.Scheduler.ShutdownTimeout.Std()); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	var watchName string
	switch {
	case *definition != "":
		def, err := manager.LoadDefinition(*definition)
		if err != nil {
			log.Fatalf("Failed to load definition: %v", err)
		}
		submit(ctx, runtime, def)
		watchName = def.Name
	case *imageURL != "":
		p, err := work.ParsePolicy(*policy)
		if err != nil {
			log.Fatalf("Invalid policy: %v", err)
		}
		input := work.Data{work.KeyURL: *imageURL}
		if *selector != "" {
			input[work.KeySelector] = *selector
		}
		submit(ctx, runtime, manager.Definition{
			Name:   *name,
			Policy: p,
			Stages: []work.Request{
				{Kind: work.KindDownload, Input: input, Constraints: work.Constraints{work.ConstraintNetwork}},
				{Kind: work.KindFilter},
			},
		})
		watchName = *name
	}

	if *listen != "" {
		serve(ctx, runtime, *listen, logger)
		return
	}
	watch(ctx, runtime, watchName)
}

func submit(ctx context.Context, m *manager.Manager, def manager.Definition) {
	chain, err := m.SubmitDefinition(ctx, def)
	switch {
	case errors.Is(err, work.ErrChainActive):
		fmt.Printf("Chain %q already active; following it\n", def.Name)
	case err != nil:
		log.Fatalf("Failed to submit chain: %v", err)
	default:
		fmt.Printf("Submitted chain %s under %q (%d items)\n", chain.ID, chain.UniqueName, len(chain.Items))
		if len(chain.Replaced) > 0 {
			fmt.Printf("  replaced %d items\n", len(chain.Replaced))
		}
		if chain.AppendedTo != "" {
			fmt.Printf("  appended after %s\n", chain.AppendedTo)
		}
	}
}

func watch(ctx context.Context, m *manager.Manager, name string) {
	sub, err := m.Subscribe(ctx, name)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	seen := make(map[string]work.State)
	for info := range sub.All(ctx) {
		printInfo(info)
		seen[info.ID] = info.State
		if info.State.IsTerminal() && settled(ctx, m, name, seen) {
			break
		}
	}

	infos, err := m.ChainInfo(context.WithoutCancel(ctx), name)
	if err != nil {
		log.Fatalf("Failed to read chain: %v", err)
	}
	fmt.Println("\nResult:")
	for _, info := range infos {
		fmt.Printf("  %-8s %-9s", info.Kind, info.State)
		for k, v := range info.Output {
			fmt.Printf(" %s=%s", k, v)
		}
		fmt.Println()
	}
}

func settled(ctx context.Context, m *manager.Manager, name string, seen map[string]work.State) bool {
	infos, err := m.ChainInfo(ctx, name)
	if err != nil {
		return false
	}
	for _, info := range infos {
		if s, ok := seen[info.ID]; !ok || s != info.State || !s.IsTerminal() {
			return false
		}
	}
	return len(infos) > 0
}

func printInfo(info work.Info) {
	line := fmt.Sprintf("%s  %-8s %-9s", info.UpdatedAt.Format(time.TimeOnly), info.Kind, info.State)
	if info.RetryCount > 0 {
		line += fmt.Sprintf(" retries=%d", info.RetryCount)
	}
	if info.Reason != "" {
		line += " (" + info.Reason + ")"
	}
	fmt.Println(line)
}

func serve(ctx context.Context, m *manager.Manager, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(rpc.NewHandler(m))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("rpc listening", "addr", addr, "service", rpc.ServiceName)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("RPC server failed: %v", err)
	}
}
