package loadgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strydehealth/stride/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
)

// Run executes a complete load run: generate timelines, submit them, wait
// for the projection lag to drain, then verify the projected rows.
func Run(ctx context.Context, config *Config) error {
	stats := &Stats{
		StartTime: time.Now(),
	}

	logger.Get().Info(ctx, "starting stride load run",
		logger.String("baseURL", config.BaseURL),
		logger.Int("patients", config.NumPatients),
		logger.Int("sessionsPerPatient", config.Sessions),
		logger.Int("workers", config.Workers),
		logger.String("timeout", config.Timeout.String()),
		logger.String("logFile", config.LogFile),
		logger.Any("verbose", config.Verbose))

	// Step 1: Check service health
	if err := checkServiceHealth(ctx, config); err != nil {
		return fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Generate patient timelines
	timelines, err := generateTimelines(ctx, config, stats)
	if err != nil {
		return fmt.Errorf("timeline generation failed: %w", err)
	}

	// Step 3: Submit timelines concurrently
	if err := submitTimelines(ctx, config, timelines, stats); err != nil {
		return fmt.Errorf("event submission failed: %w", err)
	}

	// Step 4: Wait for the pipeline checkpoint to reach the log head
	if err := waitForDrain(ctx, config); err != nil {
		return fmt.Errorf("projection drain failed: %w", err)
	}

	// Step 5: Retrieve adherence rows concurrently
	rows, err := retrieveAdherence(ctx, config, timelines, stats)
	if err != nil {
		return fmt.Errorf("adherence retrieval failed: %w", err)
	}

	// Step 6: Verify projected counts against the generated timelines
	if err := verifyResults(config, timelines, rows, stats); err != nil {
		return fmt.Errorf("result verification failed: %w", err)
	}

	// Step 7: Report how many work items the run raised
	if pending, err := retrieveWorkQueue(ctx, config); err != nil {
		logger.Get().Warn(ctx, "failed to fetch work queue", logger.Error(err))
	} else {
		logger.Get().Info(ctx, "pending work items raised", logger.Int("count", pending))
	}

	// Step 8: Save envelopes to file
	if err := saveEnvelopesToFile(ctx, config, timelines); err != nil {
		logger.Get().Warn(ctx, "failed to save envelopes to file", logger.Error(err))
	}

	// Final statistics
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	displayFinalStats(stats)

	logger.Get().Info(ctx, "load run completed successfully")
	return nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, config *Config) error {
	logger.Get().Info(ctx, "checking service health")

	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + "/healthz"

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Get().Error(context.Background(), "failed to close response body", logger.Error(err))
		}
	}()

	if resp.StatusCode != StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}

	logger.Get().Info(ctx, "service is healthy")
	return nil
}

// waitForDrain polls /stats until the subscription checkpoint catches up
// with the log head, or the drain budget expires.
func waitForDrain(ctx context.Context, config *Config) error {
	logger.Get().Info(ctx, "waiting for projections to catch up",
		logger.Duration("budget", config.DrainWait))

	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + "/stats"
	deadline := time.Now().Add(config.DrainWait)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		head, checkpoint, err := fetchPositions(client, url)
		if err == nil && head == checkpoint {
			logger.Get().Info(ctx, "projections caught up", logger.Uint64("headSequence", head))
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("checkpoint %d still behind head %d after %s", checkpoint, head, config.DrainWait)
		}
		time.Sleep(DrainPollInterval)
	}
}

// fetchPositions reads head_sequence and checkpoint from the stats endpoint.
func fetchPositions(client *HTTPClient, url string) (head, checkpoint uint64, err error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, 0, fmt.Errorf("request failed: %w", err)
	}

	body, err := readResponseBody(resp)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != StatusOK {
		return 0, 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var stats map[string]any
	if err := unmarshalJSON(body, &stats); err != nil {
		return 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}

	h, _ := stats["head_sequence"].(float64)
	c, _ := stats["checkpoint"].(float64)
	return uint64(h), uint64(c), nil
}

// saveEnvelopesToFile saves the generated envelopes to a JSON file.
func saveEnvelopesToFile(ctx context.Context, config *Config, timelines []Timeline) error {
	if len(timelines) == 0 {
		return fmt.Errorf("no envelopes to save")
	}

	// Determine output filename
	filename := config.OutputFile
	if filename == "" {
		timestamp := time.Now().Format("20060102_150405")
		filename = "generated_envelopes_" + timestamp + ".json"
	}

	// Ensure the directory exists
	dir := filepath.Dir(filename)
	if dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Get().Error(context.Background(), "failed to close file", logger.Error(err))
		}
	}()

	// Write one flat JSON array, timelines in submission order
	if _, err := file.WriteString("[\n"); err != nil {
		return fmt.Errorf("failed to write opening bracket: %w", err)
	}

	written := 0
	total := 0
	for _, tl := range timelines {
		total += len(tl.Envelopes)
	}
	for _, tl := range timelines {
		for _, env := range tl.Envelopes {
			jsonData, err := marshalJSON(env)
			if err != nil {
				return fmt.Errorf("failed to marshal envelope %d: %w", written, err)
			}
			if _, err := file.Write(jsonData); err != nil {
				return fmt.Errorf("failed to write envelope %d: %w", written, err)
			}
			written++
			if written < total {
				if _, err := file.WriteString(","); err != nil {
					return fmt.Errorf("failed to write comma: %w", err)
				}
			}
			_, _ = file.WriteString("\n")
		}
	}

	if _, err := file.WriteString("]\n"); err != nil {
		return fmt.Errorf("failed to write closing bracket: %w", err)
	}

	logger.Get().Info(ctx, "envelopes saved to file", logger.String("filename", filename))
	return nil
}

// displayFinalStats prints the final run statistics.
func displayFinalStats(stats *Stats) {
	var successRate, eventsPerSecond float64

	if stats.EventsSubmitted > 0 {
		successRate = float64(stats.EventsSuccessful) / float64(stats.EventsSubmitted) * PercentageMultiplier
	}

	if stats.Duration > 0 {
		eventsPerSecond = float64(stats.EventsSubmitted) / stats.Duration.Seconds()
	}

	logger.Get().Info(context.Background(), "final statistics",
		logger.Int("patientsGenerated", stats.PatientsGenerated),
		logger.Int("eventsGenerated", stats.EventsGenerated),
		logger.Int("eventsSubmitted", stats.EventsSubmitted),
		logger.Int("eventsSuccessful", stats.EventsSuccessful),
		logger.Int("eventsFailed", stats.EventsFailed),
		logger.Int("rowsRetrieved", stats.RowsRetrieved),
		logger.Int("rowsMatched", stats.RowsMatched),
		logger.Int("rowsMismatched", stats.RowsMismatched),
		logger.Duration("latencyP50", stats.LatencyP50),
		logger.Duration("latencyP95", stats.LatencyP95),
		logger.Duration("latencyP99", stats.LatencyP99),
		logger.String("duration", stats.Duration.String()),
		logger.Float64("successRate", successRate),
		logger.Float64("eventsPerSecond", eventsPerSecond))
}
