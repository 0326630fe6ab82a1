package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/strydehealth/stride/internal/loadgen"
)

// Default configuration constants.
const (
	defaultPatients   = 200
	defaultSessions   = 10
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultTimeout    = 30 * time.Second
	defaultDrainWait  = 2 * time.Minute
	defaultRunTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:9080", "Base URL of the service")
		patients   = flag.Int("patients", defaultPatients, "Number of patient timelines to generate")
		sessions   = flag.Int("sessions", defaultSessions, "Scheduled sessions per patient")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		drainWait  = flag.Duration("drain", defaultDrainWait, "Maximum time to wait for projections to catch up")
		outputFile = flag.String("output", "", "Output file for generated envelopes (default: generated_envelopes_TIMESTAMP.json)")
		logFile    = flag.String("log", "", "Log file for run output (default: loadgen_TIMESTAMP.log)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		loadgen.ShowHelp()
		return
	}

	// Setup logging
	if err := loadgen.SetupLogging(*logFile); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		return
	}

	// Create context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()

	// Create run configuration
	config := &loadgen.Config{
		BaseURL:     *baseURL,
		NumPatients: *patients,
		Sessions:    *sessions,
		Workers:     *workers,
		Timeout:     *timeout,
		DrainWait:   *drainWait,
		OutputFile:  *outputFile,
		LogFile:     *logFile,
		Verbose:     *verbose,
	}

	// Run the load generator
	if err := loadgen.Run(ctx, config); err != nil {
		os.Stderr.WriteString("Load run failed: " + err.Error() + "\n")
		return
	}
}
