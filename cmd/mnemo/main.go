// Command mnemo runs the memory engine from the command line: store new
// memories, search them, run maintenance, or serve the websocket event
// stream for a host application.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/petmind/mnemo/internal/config"
	"github.com/petmind/mnemo/internal/engine"
	"github.com/petmind/mnemo/internal/llm"
	"github.com/petmind/mnemo/internal/notify"
	"github.com/petmind/mnemo/internal/storage"
	"github.com/petmind/mnemo/internal/storage/postgres"
	"github.com/petmind/mnemo/internal/storage/sqlite"
	"github.com/petmind/mnemo/pkg/types"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	kind       = flag.String("kind", "episode", "Memory kind for store: fact, episode, relation")
	tags       = flag.String("tags", "", "Comma-separated tags for store")
	topK       = flag.Int("top-k", 10, "Maximum results for search")
	serve      = flag.Bool("serve", false, "Stay running and serve the websocket event stream")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mnemo [flags] <command> [args]

Commands:
  store <content>     evaluate, store and schedule a new memory
  search <query>      hybrid full-text/vector retrieval
  index               print the compact memory index
  decay               apply daily importance decay
  consolidate         run the idle-time maintenance pass
  stats               print store, queue and index counters

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 && !*serve {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open record store: %v", err)
	}
	defer func() { _ = store.Close() }()

	embedder, delegate, err := llm.NewProviders(cfg.LLM)
	if err != nil {
		log.Fatalf("configure llm providers: %v", err)
	}

	deps := engine.Deps{
		Records:  store,
		Search:   store.(storage.SearchProvider),
		Queue:    store.(storage.QueueStore),
		Embedder: embedder,
		Delegate: delegate,
	}

	var broadcaster *notify.Broadcaster
	if cfg.Notify.Enabled {
		broadcaster = notify.NewBroadcaster(cfg.Notify.Addr)
		deps.Notifier = broadcaster
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		log.Fatalf("construct engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer func() {
		if err := eng.Shutdown(context.Background()); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if broadcaster != nil {
		if err := broadcaster.Start(); err != nil {
			log.Fatalf("start event stream on %s: %v", cfg.Notify.Addr, err)
		}
		defer func() { _ = broadcaster.Shutdown(context.Background()) }()
		log.Printf("event stream listening on ws://%s/events", broadcaster.Addr())
	}

	if flag.NArg() > 0 {
		if err := runCommand(ctx, eng, flag.Arg(0), flag.Args()[1:]); err != nil {
			log.Fatalf("%s: %v", flag.Arg(0), err)
		}
	}

	if *serve {
		log.Printf("engine running, press Ctrl-C to stop")
		<-ctx.Done()
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadFile(*configPath)
	}
	return config.Load()
}

func openStore(cfg *config.Config) (storage.RecordStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		return postgres.NewRecordStore(cfg.Storage.PostgresDSN, cfg.LLM.EmbeddingDimension)
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, err
		}
		return sqlite.NewRecordStore(filepath.Join(cfg.Storage.DataPath, "mnemo.db"))
	}
}

func runCommand(ctx context.Context, eng *engine.Engine, command string, args []string) error {
	switch command {
	case "store":
		return runStore(ctx, eng, args)
	case "search":
		return runSearch(ctx, eng, args)
	case "index":
		return runIndex(ctx, eng)
	case "decay":
		affected, err := eng.RunDecay(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("decayed %d records\n", affected)
		return nil
	case "consolidate":
		result, err := eng.RunConsolidation(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reflections: %d, conflicts: %d, facts: %d, archived: %d\n",
			result.ReflectionsGenerated, result.ConflictsFound, result.FactsExtracted, result.ArchivedCount)
		return nil
	case "stats":
		return runStats(ctx, eng)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runStore(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("store requires the memory content")
	}
	content := strings.Join(args, " ")

	var tagList []string
	if *tags != "" {
		tagList = strings.Split(*tags, ",")
	}

	rec, err := eng.Create(ctx, content, types.MemoryKind(*kind), engine.CreateOptions{Tags: tagList})
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (importance %.2f)\n", rec.ID, rec.Importance)
	return nil
}

func runSearch(ctx context.Context, eng *engine.Engine, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("search requires a query")
	}
	query := strings.Join(args, " ")

	res, err := eng.Search(ctx, engine.SearchRequest{Query: query, TopK: *topK})
	if err != nil {
		return err
	}

	if res.NoRelevantMemory {
		fmt.Println("no relevant memory (candidates existed but none passed the threshold)")
		return nil
	}
	if len(res.Records) == 0 {
		fmt.Println("no matching memories")
		return nil
	}

	fmt.Printf("strategy=%s candidates=%d degraded=%t elapsed=%s\n",
		res.StrategyUsed, res.CandidateCount, res.Degraded, res.Elapsed)
	for _, rr := range res.Records {
		fmt.Printf("  %.3f [%s] %s\n", rr.Score, rr.Record.Kind, rr.Record.Content)
	}
	return nil
}

func runIndex(ctx context.Context, eng *engine.Engine) error {
	items, err := eng.MemoryIndex(ctx, 50)
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Println(item.Format())
	}
	return nil
}

func runStats(ctx context.Context, eng *engine.Engine) error {
	stats, err := eng.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("records: %d (archived %d, vectorized %d)\n",
		stats.TotalRecords, stats.ArchivedCount, stats.VectorizedCount)
	for kind, count := range stats.CountsByKind {
		fmt.Printf("  %s: %d\n", kind, count)
	}
	fmt.Printf("queue pending: %d\n", stats.PendingQueueLength)
	fmt.Printf("index size: %d\n", stats.IndexSize)
	return nil
}
