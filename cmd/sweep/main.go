// Command sweep runs the sweep server: it owns the actuator and the
// network analyzer, serves the live view and the control API, and
// journals every run.
//
//	sweep -root data -journal sweep.db -actuator /dev/ttyUSB0 -vna /dev/ttyUSB1
//	sweep -sim -config run.yaml
//	sweep status -server http://lab-pc:8080
//	sweep stop
//	sweep migrate -journal sweep.db status
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

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsweb"

	"github.com/banshee-data/coupling.report/internal/config"
	"github.com/banshee-data/coupling.report/internal/dataset"
	"github.com/banshee-data/coupling.report/internal/grid"
	"github.com/banshee-data/coupling.report/internal/journal"
	"github.com/banshee-data/coupling.report/internal/liveview"
	"github.com/banshee-data/coupling.report/internal/metrics"
	"github.com/banshee-data/coupling.report/internal/monitor"
	"github.com/banshee-data/coupling.report/internal/monitoring"
	"github.com/banshee-data/coupling.report/internal/serialmux"
	"github.com/banshee-data/coupling.report/internal/sweep"
	"github.com/banshee-data/coupling.report/internal/timeutil"
	"github.com/banshee-data/coupling.report/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	root        = flag.String("root", "data", "Dataset root folder")
	runFile     = flag.String("config", "", "Run file (JSON or YAML) to start as soon as the server is up")
	simMode     = flag.Bool("sim", false, "Use simulated devices instead of serial ports")
	actuatorDev = flag.String("actuator", "/dev/ttyUSB0", "Serial port of the field and temperature controller")
	vnaDev      = flag.String("vna", "/dev/ttyUSB1", "Serial port of the network analyzer or its GPIB bridge")
	lineFormat  = flag.String("serial", "9600,8N1", "Line settings for both serial ports, as baud[,frame]")
	gpibAddr    = flag.Int("gpib-addr", 16, "GPIB address of the analyzer behind the bridge; negative talks to the port directly")
	vnaSetup    = flag.String("vna-setup", "", "Recreate the analyzer measurement for this S-parameter at startup")
	journalPath = flag.String("journal", "sweep.db", "Run journal database; empty disables journaling")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status", "stop":
			if err := runClient(os.Args[1], os.Args[2:], os.Stdout); err != nil {
				log.Fatal(err)
			}
			return
		case "migrate":
			if err := runMigrate(os.Args[2:], os.Stdout); err != nil {
				log.Fatal(err)
			}
			return
		}
	}

	flag.Parse()
	if *showVersion {
		fmt.Println("sweep", version.String())
		return
	}
	monitoring.SetLogger(log.Printf)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context) error {
	var plan *sweep.Plan
	if *runFile != "" {
		cfg, err := config.Load(*runFile)
		if err != nil {
			return err
		}
		if cfg.Root == nil {
			cfg.Root = root
		}
		p, err := cfg.ToPlan()
		if err != nil {
			return fmt.Errorf("run file %s: %w", *runFile, err)
		}
		plan = &p
	}

	clock := timeutil.RealClock{}
	devs, err := openDevices(ctx, clock)
	if err != nil {
		return err
	}
	defer devs.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	poller := monitor.NewPoller(devs.Actuator, clock)
	poller.OnUpdate = func(s monitor.Snapshot) {
		m.Readings(s.Temperature.Value, s.Field.Value)
	}

	store := dataset.NewStore(nil)
	assembler := grid.NewAssembler(store)
	deps := sweep.Deps{
		Actuator:   devs.Actuator,
		Instrument: devs.Instrument,
		Store:      store,
		Assembler:  assembler,
		Observer:   m,
		Clock:      clock,
	}
	debug := devs.Debug

	var j *journal.Journal
	if *journalPath != "" {
		j, err = journal.Open(*journalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		deps.Recorder = j
		debug = append(debug, j.AttachAdminRoutes)
	}

	runner := sweep.NewRunner(deps, poller)
	buf := liveview.NewBuffer()
	traces := liveview.NewTraceReader(devs.Instrument, store)
	traces.Actuator = devs.Actuator

	cfg := liveview.Config{
		Address:   *listen,
		Root:      *root,
		Runner:    runner,
		Buffer:    buf,
		Assembler: assembler,
		Poller:    poller,
		Metrics:   m,
		Gatherer:  reg,
		Debug:     debug,
		Traces:    traces,
	}
	if j != nil {
		cfg.Journal = j
	}
	srv, err := liveview.NewServer(cfg)
	if err != nil {
		return err
	}

	cmds := make(chan sweep.Command, 1)
	if plan != nil {
		reply := make(chan error, 1)
		cmds <- sweep.Command{Kind: sweep.CommandStart, Plan: *plan, Reply: reply}
		go func() {
			if err := <-reply; err != nil {
				log.Printf("run file %s not started: %v", *runFile, err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return runner.Serve(ctx, cmds) })
	g.Go(func() error { return buf.Consume(ctx, runner.Events()) })
	log.Printf("sweep %s serving %s on %s", version.Version, *root, *listen)
	return g.Wait()
}

// debugAttacher adapts a serial link console to the server's debug hooks.
func debugAttacher[T serialmux.SerialPorter](mux *serialmux.SerialMux[T], name string) func(*tsweb.DebugHandler) error {
	return func(d *tsweb.DebugHandler) error {
		mux.AttachAdminRoutes(d, name)
		return nil
	}
}
