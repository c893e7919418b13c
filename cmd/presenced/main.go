package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/presence/internal/api"
	"github.com/banshee-data/presence/internal/attendance"
	"github.com/banshee-data/presence/internal/config"
	"github.com/banshee-data/presence/internal/db"
	"github.com/banshee-data/presence/internal/publish"
	"github.com/banshee-data/presence/internal/scanner"
	"github.com/banshee-data/presence/internal/serialmux"
	"github.com/banshee-data/presence/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to the site and tuning config (JSON or YAML)")
	listen      = flag.String("listen", ":8080", "Listen address")
	port        = flag.String("port", "/dev/ttyACM0", "Scanner serial port (ignored in dev mode; empty disables the scanner)")
	baudRate    = flag.Int("baud", serialmux.DefaultBaudRate, "Scanner serial baud rate")
	dbFile      = flag.String("db", "presence.db", "Path to the sqlite visit store")
	devFixtures = flag.String("dev", "", "Dev mode: replay scanner lines from this fixtures file instead of the serial port")
	devInterval = flag.Duration("dev-interval", 2*time.Second, "Delay between replayed fixture lines in dev mode")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s [flags] migrate <action>\n\nFlags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if flag.NArg() > 0 {
		if flag.Arg(0) != "migrate" {
			flag.Usage()
			os.Exit(2)
		}
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbFile, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *configFile == "" {
		log.Fatal("-config is required")
	}
	log.Printf("starting %s", version.String())

	tc, err := config.LoadTuningConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sites, err := tc.SiteSet()
	if err != nil {
		log.Fatalf("invalid sites: %v", err)
	}

	store, err := db.OpenStore(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open visit store: %v", err)
	}
	defer store.Close()

	sink, closeSink, err := buildSink(store, tc)
	if err != nil {
		log.Fatalf("failed to set up attendance sink: %v", err)
	}
	defer closeSink()

	mux, err := openScanner(*devFixtures, *port, *baudRate, *devInterval)
	if err != nil {
		log.Fatalf("failed to open scanner: %v", err)
	}
	defer mux.Close()

	sc := scanner.New(mux, sites, nil)
	coord, err := attendance.New(attendance.ConfigFromTuning(tc), attendance.Deps{
		Sites:   sites,
		Ranging: sc,
		Region:  sc,
		Sink:    sink,
	})
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}
	defer coord.Close()

	// Create a wait group for the HTTP server, serial monitor, and scanner routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// dispatch scanner lines to the coordinator
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sc.Run(ctx, coord); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scanner routine failed: %v", err)
		}
		log.Print("scanner routine terminated")
	}()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
			stop()
		}
		log.Print("monitor routine terminated")
	}()

	if err := sc.Initialise(); err != nil {
		log.Fatalf("failed to initialise scanner: %v", err)
	}
	// ask for the current state of every region so a restart inside a
	// site checks in without waiting for the next crossing
	coord.SignificantLocationChange()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(coord, store, sc, nil)
		httpMux := apiServer.ServeMux()
		apiServer.AttachAdminRoutes(httpMux)
		mux.AttachAdminRoutes(httpMux)
		if err := store.AttachAdminRoutes(httpMux); err != nil {
			log.Printf("failed to attach store admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(httpMux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// buildSink fans attendance events out to the visit store and, when
// brokers are configured, to Kafka.
func buildSink(store *db.Store, tc *config.TuningConfig) (attendance.Sink, func(), error) {
	sinks := attendance.FanOut{store}
	if len(tc.KafkaBrokers) == 0 {
		return sinks, func() {}, nil
	}

	k, err := publish.NewKafkaSink(tc.KafkaBrokers, tc.GetKafkaTopic())
	if err != nil {
		return nil, nil, err
	}
	log.Printf("publishing attendance events to %s on %s", tc.GetKafkaTopic(), strings.Join(tc.KafkaBrokers, ","))
	closeFn := func() {
		if err := k.Close(); err != nil {
			log.Printf("kafka close: %v", err)
		}
	}
	return append(sinks, k), closeFn, nil
}

// openScanner returns the replay mux in dev mode, a disabled mux when no
// port is given, and the real serial port otherwise.
func openScanner(fixtures, path string, baud int, interval time.Duration) (serialmux.Mux, error) {
	if fixtures != "" {
		lines, err := readFixtures(fixtures)
		if err != nil {
			return nil, err
		}
		log.Printf("dev mode: replaying %d line(s) from %s", len(lines), fixtures)
		mux, _ := serialmux.NewReplaySerialMux(lines, interval)
		return mux, nil
	}
	if path == "" {
		log.Print("no scanner port, serving the API and visit store only")
		return serialmux.NewDisabledSerialMux(), nil
	}
	return serialmux.NewRealSerialMux(path, serialmux.PortOptions{BaudRate: baud})
}

func readFixtures(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures file: %w", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n"), nil
}
