package loadgen

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// retrieveAdherence fetches the projected adherence row for every generated
// patient concurrently.
func retrieveAdherence(ctx context.Context, config *Config, timelines []Timeline, stats *Stats) ([]AdherenceView, error) {
	log.Printf("📋 Retrieving adherence rows for %d patients with %d workers...", len(timelines), config.Workers)

	client := newHTTPClient(config.Timeout)

	rows := make([]AdherenceView, len(timelines))
	var (
		retrieved int64
		failed    int64
	)

	// Progress reporting
	var lastReport time.Time
	reportInterval := 1 * time.Second

	// Create worker pool
	indexChan := make(chan int, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for index := range indexChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				patientID := timelines[index].Expectation.PatientID
				row, err := retrieveSingleRow(client, config.BaseURL, patientID)

				if err != nil {
					atomic.AddInt64(&failed, 1)
					if config.Verbose {
						log.Printf("⚠️  Failed to get adherence for %s: %v", patientID, err)
					}
				} else {
					rows[index] = row
					atomic.AddInt64(&retrieved, 1)
				}

				// Progress reporting
				if time.Since(lastReport) >= reportInterval {
					lastReport = time.Now()
					done := atomic.LoadInt64(&retrieved) + atomic.LoadInt64(&failed)
					ret := atomic.LoadInt64(&retrieved)
					fail := atomic.LoadInt64(&failed)
					log.Printf("📋 Adherence rows: %d/%d retrieved (success: %d, failed: %d)",
						done, len(timelines), ret, fail)
				}
			}
		}()
	}

	// Send patient indices to workers
	go func() {
		defer close(indexChan)
		for i := range timelines {
			select {
			case <-ctx.Done():
				return
			case indexChan <- i:
			}
		}
	}()

	// Wait for all workers to complete
	wg.Wait()

	// Filter out empty rows (failed retrievals)
	validRows := make([]AdherenceView, 0, len(rows))
	for _, row := range rows {
		if row.PatientID != "" {
			validRows = append(validRows, row)
		}
	}

	// Update stats
	stats.RowsRetrieved = len(validRows)

	log.Printf(`✅ Adherence retrieval completed:
   Retrieved: %d
   Failed: %d
`, len(validRows), int(atomic.LoadInt64(&failed)))

	return validRows, nil
}

// retrieveSingleRow fetches the adherence projection for a single patient.
func retrieveSingleRow(client *HTTPClient, baseURL, patientID string) (AdherenceView, error) {
	url := fmt.Sprintf("%s/projections/adherence/%s", baseURL, patientID)

	resp, err := client.Get(url)
	if err != nil {
		return AdherenceView{}, fmt.Errorf("request failed: %w", err)
	}

	body, err := readResponseBody(resp)
	if err != nil {
		return AdherenceView{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != StatusOK {
		return AdherenceView{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var row AdherenceView
	if err := unmarshalJSON(body, &row); err != nil {
		return AdherenceView{}, fmt.Errorf("failed to parse response: %w", err)
	}

	return row, nil
}

// retrieveWorkQueue fetches the current pending work queue for the summary.
func retrieveWorkQueue(ctx context.Context, config *Config) (int, error) {
	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + "/workqueue?status=pending"

	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}

	body, err := readResponseBody(resp)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != StatusOK {
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var items []map[string]any
	if err := unmarshalJSON(body, &items); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}

	return len(items), nil
}
