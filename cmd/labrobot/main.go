package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/labrobot/internal/api"
	"github.com/banshee-data/labrobot/internal/config"
	"github.com/banshee-data/labrobot/internal/db"
	"github.com/banshee-data/labrobot/internal/driver"
	"github.com/banshee-data/labrobot/internal/monitoring"
	"github.com/banshee-data/labrobot/internal/motion"
	"github.com/banshee-data/labrobot/internal/pipette"
	"github.com/banshee-data/labrobot/internal/robot"
	"github.com/banshee-data/labrobot/internal/serialmux"
	"github.com/banshee-data/labrobot/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a robot config file (.toml or .json)")
	port        = flag.String("port", "", "Serial port of the controller board (overrides serial_port)")
	simulated   = flag.Bool("sim", false, "Connect to the in-process simulated board")
	listen      = flag.String("listen", "", "HTTP listen address (overrides listen)")
	dbPath      = flag.String("db", "", "Run journal database path (overrides db_path)")
	demo        = flag.Bool("demo", false, "Queue a demonstration protocol and dry-run it on startup")
	verbose     = flag.Bool("verbose", false, "Log per-command diagnostics and wire traffic")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// settings are the config values after command-line overrides.
type settings struct {
	port      string
	simulated bool
	listen    string
	dbPath    string
}

func resolveSettings(cfg *config.RobotConfig) settings {
	s := settings{
		port:      cfg.GetSerialPort(),
		simulated: *simulated,
		listen:    cfg.GetListen(),
		dbPath:    cfg.GetDBPath(),
	}
	if *port != "" {
		s.port = *port
	}
	if *listen != "" {
		s.listen = *listen
	}
	if *dbPath != "" {
		s.dbPath = *dbPath
	}
	if s.port == "" {
		s.simulated = true
	}
	return s
}

// setupLogging routes every package's ops stream to out, and the diag
// and trace streams too when verbose.
func setupLogging(out io.Writer, verbose bool) {
	w := monitoring.LogWriters{Ops: out}
	if verbose {
		w.Diag = out
		w.Trace = out
	}
	for _, set := range []func(monitoring.LogWriters){
		api.SetLogWriters,
		db.SetLogWriters,
		driver.SetLogWriters,
		motion.SetLogWriters,
		pipette.SetLogWriters,
		robot.SetLogWriters,
		serialmux.SetLogWriters,
	} {
		set(w)
	}
}

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), `labrobot - liquid handling robot controller

Usage: labrobot [flags]
       labrobot [flags] migrate <action>
       labrobot version

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("labrobot %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.EmptyRobotConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadRobotConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	s := resolveSettings(cfg)

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if s.dbPath == "" {
				log.Fatal("migrate needs a database path (-db or db_path)")
			}
			if err := db.RunMigrateCommand(flag.Args()[1:], s.dbPath, os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
		case "version":
			fmt.Printf("labrobot %s\n", version.Version)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
			printUsage()
			os.Exit(1)
		}
		return
	}

	setupLogging(os.Stderr, *verbose)
	if err := serve(cfg, s); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

func serve(cfg *config.RobotConfig, s settings) error {
	r, err := robot.New(cfg.RobotOptions())
	if err != nil {
		return fmt.Errorf("failed to create robot: %w", err)
	}
	if err := cfg.Apply(r); err != nil {
		return fmt.Errorf("failed to apply config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.simulated {
		err = r.ConnectSimulated(ctx)
	} else {
		err = r.Connect(ctx, s.port, cfg.GetSerial())
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer r.Disconnect()
	v := r.Driver().Versions()
	log.Printf("connected (simulated=%v) firmware %s config %s", s.simulated, v.Firmware, v.Config)

	var database *db.DB
	if s.dbPath != "" {
		if database, err = db.NewDB(s.dbPath); err != nil {
			return fmt.Errorf("failed to open run journal: %w", err)
		}
		defer database.Close()
		r.SetJournal(database)
	}

	if *demo {
		if err := queueDemo(ctx, r); err != nil {
			return fmt.Errorf("demo protocol: %w", err)
		}
		report, err := r.Simulate(ctx)
		if err != nil {
			return fmt.Errorf("demo dry run: %w", err)
		}
		log.Printf("demo protocol queued: %d commands, %d wire lines, %d warnings", report.Commands, len(report.Wire), len(report.Warnings))
	}

	server := api.NewServer(r, database)
	mux := server.ServeMux()
	r.Link().AttachAdminRoutes(mux)
	if database != nil {
		database.AttachAdminRoutes(mux)
	}

	httpServer := &http.Server{
		Addr:    s.listen,
		Handler: api.LoggingMiddleware(mux),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", s.listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := httpServer.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	wg.Wait()

	// abandon any run at its next checkpoint, then wait for it
	r.Stop()
	server.Close()
	return nil
}
