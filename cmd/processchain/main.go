package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/pnats2avhd/processing-chain/internal/artifacts"
	"github.com/pnats2avhd/processing-chain/internal/config"
	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
	"github.com/pnats2avhd/processing-chain/internal/online"
	"github.com/pnats2avhd/processing-chain/internal/scheduler"
	"github.com/pnats2avhd/processing-chain/internal/stages"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

const chainVersion = "2.0.0"

type cliArgs struct {
	testConfig         string
	force              bool
	verbose            bool
	dryRun             bool
	filterSrc          string
	filterHrc          string
	filterPvs          string
	parallelism        int
	removeIntermediate bool
	skipOnlineServices bool
	stages             string
	spinnerPath        string
	avpvsSrcFPS        bool
	force60FPS         bool
	lightweightPreview bool
	rawVideo           bool
	nonRawCRF          int
	configFile         string
}

func parseArgs() *cliArgs {
	args := &cliArgs{}
	flag.StringVar(&args.testConfig, "test-config", "", "path to the test configuration YAML (required)")
	flag.BoolVar(&args.force, "force", false, "force overwriting existing output files")
	flag.BoolVar(&args.verbose, "verbose", false, "show verbose output including processor stderr")
	flag.BoolVar(&args.dryRun, "dry-run", false, "only print commands, do not produce any files")
	flag.StringVar(&args.filterSrc, "filter-src", "", "only handle these SRC IDs (separate by |)")
	flag.StringVar(&args.filterHrc, "filter-hrc", "", "only handle these HRC IDs (separate by |)")
	flag.StringVar(&args.filterPvs, "filter-pvs", "", "only handle these PVS IDs (separate by |)")
	flag.IntVar(&args.parallelism, "parallelism", 0, "number of parallel jobs (default from config)")
	flag.BoolVar(&args.removeIntermediate, "remove-intermediate", false, "remove intermediate files once dependents are done")
	flag.BoolVar(&args.skipOnlineServices, "skip-online-services", false, "skip PVSes that use online encoding services")
	flag.StringVar(&args.stages, "stages", "all", "stages to run, e.g. all, 1, 34")
	flag.StringVar(&args.spinnerPath, "spinner-path", "", "path to the stalling spinner video")
	flag.BoolVar(&args.avpvsSrcFPS, "avpvs-src-fps", false, "keep the source frame rate for the AVPVS instead of 60 fps")
	flag.BoolVar(&args.force60FPS, "force-60-fps", false, "force the AVPVS to 60 fps")
	flag.BoolVar(&args.lightweightPreview, "lightweight-preview", false, "also create a lightweight preview file per PVS")
	flag.BoolVar(&args.rawVideo, "rawvideo", false, "output CPVS as raw video instead of a lossless codec")
	flag.IntVar(&args.nonRawCRF, "nonraw-crf", 0, "CRF for non-raw CPVS encodes (default from config)")
	flag.StringVar(&args.configFile, "config", "processchain.yml", "path to the tool configuration")
	flag.Parse()
	return args
}

func main() {
	args := parseArgs()
	if args.testConfig == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	switch v, err := config.LoadConfig(args.configFile); {
	case err == nil:
		parsed, err := config.ParseConfig(v)
		if err != nil {
			log.Fatalf("parseConfig: %v", err)
		}
		cfg = parsed
	case errors.Is(err, config.ErrNotFound):
		// no config file is fine, run on the defaults
	default:
		log.Fatalf("loadConfig: %v", err)
	}
	if args.verbose {
		cfg.Logger.Level = "debug"
	}
	if args.parallelism > 0 {
		cfg.Worker.Parallelism = args.parallelism
	}
	if args.nonRawCRF > 0 {
		cfg.CPVS.NonRawCRF = args.nonRawCRF
	}
	if args.spinnerPath == "" {
		args.spinnerPath = cfg.AVPVS.SpinnerPath
	}

	appLogger := logger.NewAppLogger(cfg)
	appLogger.InitLogger()

	runID := uuid.New()
	appLogger.Infof("processing chain %s, run %s", chainVersion, runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	requested, err := graph.ParseStages(args.stages)
	if err != nil {
		appLogger.Fatalf("%v", err)
	}

	runner := media.NewRunner(appLogger, args.dryRun, args.verbose)
	prober := media.NewProber(runner)

	tc, err := testconfig.Load(args.testConfig, testconfig.Options{
		PathOverrides: cfg.Paths,
		Prober:        prober,
		Log:           appLogger,
	})
	if err != nil {
		appLogger.Fatalf("loading test configuration: %v", err)
	}
	if !args.dryRun {
		if err := tc.Paths.EnsureDirs(); err != nil {
			appLogger.Fatalf("%v", err)
		}
	}

	var onlineSvc stages.OnlineService
	if cfg.S3.Bucket != "" && !args.skipOnlineServices {
		svc, err := online.New(cfg.S3, appLogger)
		if err != nil {
			appLogger.Fatalf("setting up online service storage: %v", err)
		}
		onlineSvc = svc
	}

	env := &stages.Env{
		TC:     tc,
		Runner: runner,
		Prober: prober,
		Log:    appLogger,
		Online: onlineSvc,
		Opts: stages.Options{
			SkipOnlineServices: args.skipOnlineServices,
			SpinnerPath:        args.spinnerPath,
			AvpvsSrcFPS:        args.avpvsSrcFPS,
			Force60FPS:         args.force60FPS,
			RawVideo:           args.rawVideo,
			LightweightPreview: args.lightweightPreview,
			NonRawCRF:          cfg.CPVS.NonRawCRF,
			ChainVersion:       chainVersion,
		},
	}

	filters := graph.NewFilters(args.filterSrc, args.filterHrc, args.filterPvs)
	g := graph.Build(tc, requested, filters)
	appLogger.Infof("built %d jobs over %d stages for %d PVSes",
		len(g.Jobs), len(requested), len(tc.Pvses))

	store := artifacts.NewStore(appLogger)
	sched := scheduler.New(appLogger, store, stages.Drivers(env), scheduler.Options{
		Parallelism:        cfg.Worker.Parallelism,
		Force:              args.force,
		DryRun:             args.dryRun,
		RemoveIntermediate: args.removeIntermediate,
		MaxCPUUsage:        cfg.Worker.MaxCPUUsage,
	})

	summary, err := sched.Run(ctx, g)
	if err != nil {
		appLogger.Fatalf("%v", err)
	}

	appLogger.Infof("done: %d succeeded, %d skipped, %d failed",
		summary.Succeeded, summary.Skipped, summary.Failed)
	for _, res := range summary.Results {
		if res.Err == nil {
			continue
		}
		appLogger.Errorf("%s: %v", res.Job, res.Err)
		if res.Diagnostic != "" {
			fmt.Fprintln(os.Stderr, res.Diagnostic)
		}
	}
	if !summary.OK() {
		os.Exit(1)
	}
}
