package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/vizzly-testing/vizzly-go/internal/baseline"
	"github.com/vizzly-testing/vizzly-go/internal/browser"
	"github.com/vizzly-testing/vizzly-go/internal/capture"
	"github.com/vizzly-testing/vizzly-go/internal/cli"
	"github.com/vizzly-testing/vizzly-go/internal/config"
	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
	"github.com/vizzly-testing/vizzly-go/internal/events"
	"github.com/vizzly-testing/vizzly-go/internal/mode"
	"github.com/vizzly-testing/vizzly-go/internal/server"
	"github.com/vizzly-testing/vizzly-go/internal/tabpool"
	"github.com/vizzly-testing/vizzly-go/internal/uploader"

	_ "embed"
)

//go:embed doc.go
var usage string

type options struct {
	configPath string
	token      string
	jsonOut    bool
	verbose    bool

	// upload
	buildName   string
	branch      string
	commit      string
	message     string
	environment string
	parallelID  string
	wait        bool
	timeout     time.Duration

	// capture
	baseURL     string
	storybook   bool
	sitemap     bool
	include     string
	exclude     string
	concurrency int
	poolSize    int
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if err := run(cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, vzerrors.GetUserMessage(err))
		os.Exit(1)
	}
}

func newFlagSet(name string, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "config file path")
	fs.StringVar(&opts.token, "token", "", "API token")
	fs.BoolVar(&opts.jsonOut, "json", false, "emit JSON lines")
	fs.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	return fs
}

func setup(opts *options) (*config.Config, zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}

	var log zerolog.Logger
	if opts.jsonOut || !isatty.IsTerminal(os.Stderr.Fd()) {
		log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}

	path := opts.configPath
	if path == "" {
		if _, err := os.Stat("vizzly.config.json"); err == nil {
			path = "vizzly.config.json"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, log, err
	}

	cwd, _ := os.Getwd()
	if token := config.ResolveToken(opts.token, cwd); token != "" {
		cfg.Token = token
	}
	return cfg, log, nil
}

func run(cmd string, args []string) error {
	opts := &options{}

	switch cmd {
	case "run":
		fs := newFlagSet("run", opts)
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() == 0 {
			return vzerrors.NewValidationError("command", "run requires a test command to execute")
		}
		return runCommand(opts, fs.Args())

	case "tdd":
		if len(args) == 0 {
			return vzerrors.NewValidationError("subcommand", "tdd requires start, stop, or reset")
		}
		sub := args[0]
		fs := newFlagSet("tdd "+sub, opts)
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		switch sub {
		case "start":
			return tddStart(opts)
		case "stop":
			return tddStop(opts)
		case "reset":
			return tddReset(opts)
		default:
			return vzerrors.NewValidationError("subcommand", "unknown tdd subcommand: "+sub)
		}

	case "upload":
		fs := newFlagSet("upload", opts)
		fs.StringVar(&opts.buildName, "build-name", "", "build display name")
		fs.StringVar(&opts.branch, "branch", "", "git branch")
		fs.StringVar(&opts.commit, "commit", "", "git commit SHA")
		fs.StringVar(&opts.message, "message", "", "commit message")
		fs.StringVar(&opts.environment, "environment", "", "environment label")
		fs.StringVar(&opts.parallelID, "parallel-id", "", "parallel shard id")
		fs.BoolVar(&opts.wait, "wait", false, "wait for comparisons to finish")
		fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runUpload(opts, fs.Args())

	case "capture":
		fs := newFlagSet("capture", opts)
		fs.StringVar(&opts.baseURL, "base-url", "", "serve pages from this URL")
		fs.BoolVar(&opts.storybook, "storybook", false, "treat input as a story catalog")
		fs.BoolVar(&opts.sitemap, "sitemap", false, "discover pages from sitemap.xml")
		fs.StringVar(&opts.include, "include", "", "include glob for URL paths")
		fs.StringVar(&opts.exclude, "exclude", "", "exclude glob for URL paths")
		fs.IntVar(&opts.concurrency, "concurrency", 4, "parallel captures")
		fs.IntVar(&opts.poolSize, "pool-size", 4, "browser tab pool size")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return vzerrors.NewValidationError("buildDir", "capture requires exactly one directory")
		}
		return runCapture(opts, fs.Arg(0))

	case "status":
		fs := newFlagSet("status", opts)
		if err := fs.Parse(args); err != nil {
			return err
		}
		return runStatus(opts)

	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return nil

	default:
		return vzerrors.NewValidationError("command", "unknown command: "+cmd)
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func startServer(ctx context.Context, cfg *config.Config, bus *events.Bus, log zerolog.Logger) (*server.Server, <-chan error, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, nil, vzerrors.Wrap(err, vzerrors.IOError, "resolving workspace")
	}
	srv, err := server.New(workspace, cfg, bus, nil, log)
	if err != nil {
		return nil, nil, err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// Wait for the sentinel so producers can find the server.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := mode.ReadSentinel(workspace); ok {
			return srv, errCh, nil
		}
		select {
		case err := <-errCh:
			return nil, nil, err
		case <-time.After(50 * time.Millisecond):
		}
	}
	return srv, errCh, nil
}

func runCommand(opts *options, testCmd []string) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	bus := events.NewBus()
	renderer := cli.NewRenderer(os.Stdout, opts.jsonOut)
	sub := bus.Subscribe(256)
	renderer.Attach(sub)

	srvCtx, stopSrv := context.WithCancel(ctx)
	defer stopSrv()

	srv, errCh, err := startServer(srvCtx, cfg, bus, log)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, testCmd[0], testCmd[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "VIZZLY_SERVER_URL="+srv.URL())

	runErr := cmd.Run()

	bus.Publish(events.Event{Type: events.TypeCompleted, URL: srv.URL()})
	stopSrv()
	if err := <-errCh; err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	sub.Close()
	renderer.Wait()

	if runErr != nil {
		return vzerrors.Wrap(runErr, vzerrors.InternalError, "test command failed")
	}
	for _, c := range srv.Orchestrator().Comparisons() {
		if c.Status == server.StatusDiff || c.Status == server.StatusError {
			return vzerrors.Newf(vzerrors.ComparisonError, "%s: %s", c.Name, c.Status)
		}
	}
	return nil
}

func tddStart(opts *options) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	bus := events.NewBus()
	renderer := cli.NewRenderer(os.Stdout, opts.jsonOut)
	sub := bus.Subscribe(256)
	renderer.Attach(sub)
	defer renderer.Wait()
	defer sub.Close()

	srv, errCh, err := startServer(ctx, cfg, bus, log)
	if err != nil {
		return err
	}
	log.Info().Str("url", srv.URL()).Msg("TDD server running; press Ctrl-C to stop")
	return <-errCh
}

func tddStop(opts *options) error {
	_, log, err := setup(opts)
	if err != nil {
		return err
	}

	workspace, _ := os.Getwd()
	info, ok := mode.ReadSentinel(workspace)
	if !ok {
		return vzerrors.New(vzerrors.ValidationError, "no local comparison server is running")
	}

	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "finding server process")
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "stopping server process")
	}
	log.Info().Int("pid", info.PID).Msg("server stopped")
	return nil
}

func tddReset(opts *options) error {
	_, log, err := setup(opts)
	if err != nil {
		return err
	}

	workspace, _ := os.Getwd()
	store := baseline.New(workspace)
	if err := store.Clear(); err != nil {
		return err
	}
	log.Info().Msg("baseline data cleared")
	return nil
}

func runUpload(opts *options, args []string) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}

	dirs := []string(cfg.Upload.ScreenshotsDir)
	if len(args) > 0 {
		dirs = args
	}

	if opts.buildName != "" {
		cfg.Build.Name = opts.buildName
	}
	buildName := cfg.BuildName(time.Now())
	environment := opts.environment
	if environment == "" {
		environment = cfg.Build.Environment
	}

	bus := events.NewBus()
	renderer := cli.NewRenderer(os.Stdout, opts.jsonOut)
	sub := bus.Subscribe(256)
	renderer.Attach(sub)

	ctx, cancel := signalContext()
	defer cancel()

	result, err := uploader.Run(ctx, uploader.Options{
		Dirs:   dirs,
		APIURL: cfg.APIURL,
		Token:  cfg.Token,
		Build: uploader.BuildInfo{
			Name:        buildName,
			Branch:      opts.branch,
			Commit:      opts.commit,
			Message:     opts.message,
			Environment: environment,
			ParallelID:  opts.parallelID,
		},
		BatchSize: cfg.Upload.BatchSize,
		Timeout:   opts.timeout,
		Wait:      opts.wait,
	}, bus, log)

	sub.Close()
	renderer.Wait()

	if err != nil {
		return err
	}
	if result.Wait != nil && result.Wait.FailedComparisons > 0 {
		return vzerrors.Newf(vzerrors.ComparisonError, "%d comparisons failed", result.Wait.FailedComparisons)
	}
	return nil
}

func runCapture(opts *options, dir string) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	workspace, _ := os.Getwd()
	detection := mode.Detect(workspace, cfg.Token)
	if detection.Mode == mode.Disabled {
		log.Warn().Msg("no local server and no API token; frames will not be submitted")
	}

	// Build the target list.
	baseURL := opts.baseURL
	var stopServing func()
	if baseURL == "" {
		baseURL, stopServing, err = serveDir(dir)
		if err != nil {
			return err
		}
		defer stopServing()
	}

	var targets []capture.Target
	if opts.storybook {
		stories, err := capture.LoadStories(dir)
		if err != nil {
			return err
		}
		targets = capture.StoryTargets(stories, baseURL, nil)
	} else {
		siteOpts := capture.StaticSiteOptions{UseSitemap: opts.sitemap}
		if opts.include != "" {
			siteOpts.Include = strings.Split(opts.include, ",")
		}
		if opts.exclude != "" {
			siteOpts.Exclude = strings.Split(opts.exclude, ",")
		}
		pages, err := capture.DiscoverPages(dir, siteOpts, log)
		if err != nil {
			return err
		}
		targets = capture.ExpandViewports(capture.StaticSiteTargets(pages, baseURL), nil)
	}
	if len(targets) == 0 {
		return vzerrors.NewValidationError("buildDir", "no pages or stories discovered")
	}

	// Launch the browser and pool.
	b, err := browser.New(ctx, browser.WithHeadless(true), browser.WithVerbose(opts.verbose))
	if err != nil {
		return err
	}
	if err := b.Launch(ctx); err != nil {
		return err
	}
	defer b.Close()

	pool, err := tabpool.New(capture.PageFactory{Browser: b}, opts.poolSize, 25, log)
	if err != nil {
		return err
	}
	defer pool.Drain()

	stagingDir := "./screenshots"
	if len(cfg.Upload.ScreenshotsDir) > 0 {
		stagingDir = cfg.Upload.ScreenshotsDir[0]
	}
	submitter := capture.NewSubmitter(detection, stagingDir, log)

	pipeline := capture.NewPipeline(pool, submitter, opts.concurrency, log)
	summary, err := pipeline.Run(ctx, targets)
	if err != nil {
		return err
	}

	log.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", len(summary.Failures)).
		Msg("capture finished")

	if !summary.Success() {
		for _, f := range summary.Failures {
			log.Error().Str("name", f.Name).Err(f.Err).Msg("capture failed")
		}
		return vzerrors.Newf(vzerrors.InternalError, "%d of %d captures failed", len(summary.Failures), summary.Total)
	}
	return nil
}

// serveDir serves a built site from an ephemeral local port.
func serveDir(dir string) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, vzerrors.Wrap(err, vzerrors.IOError, "starting file server")
	}
	srv := &http.Server{Handler: http.FileServer(http.Dir(dir))}
	go srv.Serve(ln)

	url := fmt.Sprintf("http://%s", ln.Addr().String())
	stop := func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}
	return url, stop, nil
}

func runStatus(opts *options) error {
	cfg, _, err := setup(opts)
	if err != nil {
		return err
	}

	workspace, _ := os.Getwd()
	detection := mode.Detect(workspace, cfg.Token)

	fmt.Printf("mode: %s\n", detection.Mode)
	if detection.Server != nil {
		fmt.Printf("server: %s (pid %d)\n", detection.Server.URL, detection.Server.PID)
	}

	store := baseline.New(workspace)
	for _, kind := range []baseline.Kind{baseline.KindBaseline, baseline.KindCurrent, baseline.KindDiff} {
		entries, err := os.ReadDir(fmt.Sprintf("%s/%s", store.Root(), kind))
		count := 0
		if err == nil {
			count = len(entries)
		}
		fmt.Printf("%s: %d\n", kind, count)
	}
	return nil
}
