// Command platescan runs the automated plate scanner: it opens the serial
// link to the printer board (or a mock in dev mode), applies the motion
// setup, and serves the HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/platescan/internal/api"
	"github.com/banshee-data/platescan/internal/config"
	"github.com/banshee-data/platescan/internal/gcode"
	"github.com/banshee-data/platescan/internal/rundb"
	"github.com/banshee-data/platescan/internal/sequencer"
	"github.com/banshee-data/platescan/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run against a mock printer board")
	listen     = flag.String("listen", ":8080", "Listen address")
	serialPort = flag.String("port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	configPath = flag.String("config", "", "Optional JSON settings file")
	dbPath     = flag.String("db", "platescan.db", "Run history database path (empty disables)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Print(version.String())

	settings := &config.Settings{}
	if *configPath != "" {
		var err error
		settings, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load settings: %v", err)
		}
	}

	var port gcode.Porter
	if *devMode {
		port = gcode.NewMockPort()
		log.Print("dev mode: using mock printer board")
	} else {
		if *serialPort == "" {
			log.Fatal("Serial port is required")
		}
		var err error
		port, err = gcode.OpenPort(*serialPort, gcode.PortOptions{BaudRate: settings.GetBaudRate()})
		if err != nil {
			log.Fatalf("failed to open printer port: %v", err)
		}
	}

	printer := gcode.NewPrinter(port, gcode.Config{
		FeedRate:      settings.GetFeedRate(),
		Acceleration:  settings.GetAcceleration(),
		Jerk:          settings.GetJerk(),
		AxisLimit:     settings.GetAxisLimit(),
		AckTimeout:    settings.GetAckTimeout(),
		HomingTimeout: settings.GetHomingTimeout(),
	})
	defer printer.Close()

	var db *rundb.DB
	if *dbPath != "" {
		var err error
		db, err = rundb.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open run database: %v", err)
		}
		defer db.Close()
	}

	seq := sequencer.New(printer, sequencer.Config{
		MaxRetries: settings.GetMaxRetries(),
		Dwell:      settings.GetDwellPerWell(),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// monitor routine: owns all reads from the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := printer.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor printer port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// boards running Marlin reset on connect; give the firmware a moment
	// before the setup commands, as the original control program did
	setupCtx, cancelSetup := context.WithTimeout(ctx, 30*time.Second)
	time.Sleep(2 * time.Second)
	if err := printer.Setup(setupCtx); err != nil {
		log.Printf("printer setup failed (continuing): %v", err)
	}
	cancelSetup()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(printer, seq, db, settings).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	// abort any in-flight run on shutdown so the board is left stopped
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		seq.Abort()
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
