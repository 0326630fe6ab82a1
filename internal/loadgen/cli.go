package loadgen

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/strydehealth/stride/pkg/logger"
)

const logFilePermission = 0600

// SetupLogging initializes the structured logger and tees the progress log
// to both the console and a file. An empty logFile gets a timestamped name.
func SetupLogging(logFile string) error {
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if logFile == "" {
		logFile = "loadgen_" + time.Now().Format("20060102_150405") + ".log"
	}

	sink, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, sink))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	return nil
}

// ShowHelp prints usage information for the load generator.
func ShowHelp() {
	os.Stdout.WriteString(`Stride Load Generator
=====================

Generates synthetic patient exercise timelines, submits them to a running
stride service, waits for the projection pipeline to catch up, and verifies
the projected adherence rows against the generated data.

Usage:
  go run cmd/loadgen/main.go [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -patients int
        Number of patient timelines to generate (default 200)
  -sessions int
        Scheduled sessions per patient (default 10)
  -workers int
        Number of concurrent workers (default CPU cores * 2)
  -timeout duration
        HTTP request timeout (default 30s)
  -drain duration
        Maximum time to wait for projections to catch up (default 2m)
  -output string
        Output file for generated envelopes (default: generated_envelopes_TIMESTAMP.json)
  -log string
        Log file for run output (default: loadgen_TIMESTAMP.log)
  -verbose
        Enable verbose logging
  -help
        Show this help message

Examples:
  # Run with default settings
  go run cmd/loadgen/main.go

  # A heavier run against a remote instance
  go run cmd/loadgen/main.go -patients 2000 -sessions 20 -workers 16 -url http://stride:9080

  # Verbose run with a custom log file
  go run cmd/loadgen/main.go -verbose -patients 500 -log my_run.log
`)
}
