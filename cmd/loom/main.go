package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/bus"
	"github.com/kingrea/the-loom/internal/claims"
	"github.com/kingrea/the-loom/internal/config"
	"github.com/kingrea/the-loom/internal/httpapi"
	"github.com/kingrea/the-loom/internal/logbook"
	"github.com/kingrea/the-loom/internal/logging"
	"github.com/kingrea/the-loom/internal/scheduler"
	"github.com/kingrea/the-loom/internal/supervisor"
	"github.com/kingrea/the-loom/internal/tui"
)

const usage = `loom - backlog-driven worker scheduler

Usage:
  loom init                       create the .loom directory and default config
  loom status                     print backlog health and live workers
  loom garden                     unblock streams whose dependencies completed
  loom run [flags]                run workers against the backlog
  loom watch                      live terminal view of workers and backlog
  loom serve [flags]              status API and event-bus ingest

Run flags:
  -item <id>      run exactly one named stream
  -parallel       launch up to the concurrency limit, wait for all
  -batch          keep the pipeline full until the backlog drains
  -max <n>        override the concurrency limit
  -timeout <s>    override the worker timeout in seconds
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		runInit()
	case "status":
		runStatus()
	case "garden":
		runGarden()
	case "run":
		runRun(os.Args[2:])
	case "watch":
		runWatch()
	case "serve":
		runServe(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func projectDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		die("determine working directory: %v", err)
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	return abs
}

func loadConfig(dir string) *config.Config {
	cfg, err := config.NewConfig(dir)
	if err != nil {
		die("load config: %v", err)
	}
	return cfg
}

// runtime bundles the collaborators every scheduling command needs.
type runtime struct {
	cfg         *config.Config
	store       *backlog.Store
	gardener    *backlog.Gardener
	coordinator *claims.Coordinator
	sup         *supervisor.Supervisor
	sched       *scheduler.Scheduler
	journal     *logbook.Logbook
	log         *logging.Logger
	router      *bus.Router
}

func buildRuntime(dir string, echo bool) *runtime {
	return buildRuntimeWithConfig(loadConfig(dir), echo)
}

func runInit() {
	dir := projectDir()
	if err := config.InitLoomDir(dir); err != nil {
		die("init .loom: %v", err)
	}
	fmt.Printf("initialized %s\n", filepath.Join(dir, config.LoomDir))
}

func runStatus() {
	rt := buildRuntime(projectDir(), true)
	defer rt.log.Close()

	report, err := rt.gardener.CheckHealth()
	if err != nil {
		die("check backlog: %v", err)
	}
	fmt.Printf("backlog: %d items, %d available\n", report.Total, report.Available)
	for status, count := range report.ByStatus {
		fmt.Printf("  %-12s %d\n", status, count)
	}
	for _, issue := range report.Issues {
		fmt.Printf("  issue: %s\n", issue)
	}
	for _, snap := range rt.sup.Snapshot() {
		fmt.Printf("worker %s on %s: %s\n", snap.ID, snap.ItemID, tui.RenderState(snap.State))
	}
}

func runGarden() {
	rt := buildRuntime(projectDir(), true)
	defer rt.log.Close()

	report, err := rt.gardener.Garden()
	if err != nil {
		die("garden: %v", err)
	}
	for _, u := range report.Unblocked {
		fmt.Printf("unblocked %s (%s): %s\n", u.ID, u.Name, u.Reason)
	}
	for _, b := range report.StillBlocked {
		fmt.Printf("still blocked %s, waiting on %v\n", b.ID, b.Missing)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	if len(report.Unblocked) == 0 && len(report.StillBlocked) == 0 {
		fmt.Println("nothing to tend")
	}
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	item := fs.String("item", "", "run exactly one named stream")
	parallel := fs.Bool("parallel", false, "launch up to the concurrency limit")
	batch := fs.Bool("batch", false, "keep the pipeline full until the backlog drains")
	max := fs.Int("max", 0, "override the concurrency limit")
	timeout := fs.Int("timeout", 0, "override the worker timeout in seconds")
	fs.Parse(args)

	dir := projectDir()
	cfg := loadConfig(dir)
	if *max > 0 {
		cfg.Project.Scheduler.MaxConcurrent = *max
	}
	if *timeout > 0 {
		cfg.Project.Worker.TimeoutSeconds = *timeout
	}

	rt := buildRuntimeWithConfig(cfg, true)
	defer rt.log.Close()

	rt.sched.OnEvent(func(evt scheduler.Event) {
		if evt.ItemID != "" {
			fmt.Printf("[%s] %s %s\n", evt.Type, evt.ItemID, evt.Message)
		} else {
			fmt.Printf("[%s] %s\n", evt.Type, evt.Message)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *batch:
		results, err := rt.sched.RunBatch(ctx)
		reportResults(results, err)
	case *parallel:
		results, err := rt.sched.RunParallel(ctx)
		reportResults(results, err)
	default:
		result, err := rt.sched.RunSingle(ctx, *item)
		if err != nil {
			die("run: %v", err)
		}
		reportResults([]scheduler.Result{result}, nil)
	}
}

// buildRuntimeWithConfig wires the collaborators. With echo set, log lines
// are mirrored to stderr as well as the log file; watch leaves it off so the
// terminal stays owned by the TUI.
func buildRuntimeWithConfig(cfg *config.Config, echo bool) *runtime {
	log, err := logging.New(cfg.ProjectDir)
	if err != nil {
		die("open log: %v", err)
	}
	if echo {
		log = log.WithEcho()
	}
	journal, err := logbook.New(cfg.LogbookPath())
	if err != nil {
		die("open logbook: %v", err)
	}

	var publisher bus.Publisher = bus.Discard
	var router *bus.Router
	if cfg.BusEnabled() {
		router = bus.NewRouter(bus.RouterWithLogger(log))
		publisher = router
		// Drain the broadcast side into the log so lifecycle events land in
		// a durable trace instead of aging out of the router's backlog.
		bus.MirrorBroadcasts(context.Background(), router, bus.LifecycleTypes, func(evt bus.Event) {
			log.Printf("bus %s: worker=%s stream=%s %s", evt.Type, evt.WorkerID, evt.StreamID, evt.Detail)
		})
	}

	store := backlog.NewStore(cfg.BacklogPath())
	gardener := backlog.NewGardener(store)
	coordinator := claims.NewCoordinator(publisher, log)
	sup := supervisor.New(cfg, coordinator, publisher, journal, log)
	sched := scheduler.New(cfg, store, gardener, sup, journal, log)

	return &runtime{
		cfg:         cfg,
		store:       store,
		gardener:    gardener,
		coordinator: coordinator,
		sup:         sup,
		sched:       sched,
		journal:     journal,
		log:         log,
		router:      router,
	}
}

func reportResults(results []scheduler.Result, err error) {
	for _, r := range results {
		verdict := "verified"
		if !r.Verification.Passed {
			verdict = "unverified"
		}
		fmt.Printf("%s on %s: %s (%s)\n", r.Worker.ID, r.Worker.ItemID, r.Worker.State, verdict)
		for _, c := range r.Verification.Checks {
			mark := "ok"
			if !c.Passed {
				mark = "FAIL"
			}
			if c.Note != "" {
				fmt.Printf("  %-16s %-4s %s\n", c.Name, mark, c.Note)
			} else {
				fmt.Printf("  %-16s %s\n", c.Name, mark)
			}
		}
	}
	if err != nil {
		die("run: %v", err)
	}
}

func runWatch() {
	rt := buildRuntime(projectDir(), false)
	defer rt.log.Close()

	if err := tui.Run(rt.store, rt.sup, rt.journal); err != nil {
		die("watch: %v", err)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8733", "status API listen address")
	fs.Parse(args)

	rt := buildRuntime(projectDir(), true)
	defer rt.log.Close()

	api := httpapi.New(rt.store, rt.sup, rt.journal, rt.log)
	if err := api.Start(*addr); err != nil {
		die("serve: %v", err)
	}
	fmt.Printf("status API on http://%s\n", api.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ingest *bus.Server
	if rt.router != nil {
		settings := bus.SettingsFromConfig(rt.cfg)
		ingest = bus.NewServer(settings, bus.WithSink(rt.router), bus.WithLogger(rt.log))
		if err := ingest.Start(ctx); err != nil {
			die("serve bus: %v", err)
		}
		fmt.Printf("event bus on %s\n", ingest.BaseURL())
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.Shutdown(shutdownCtx)
	if ingest != nil {
		ingest.Shutdown(shutdownCtx)
	}
}
