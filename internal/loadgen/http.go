package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Get performs a GET request
func (c *HTTPClient) Get(url string) (*http.Response, error) {
	return c.client.Get(url)
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(url string, body interface{}) (*http.Response, error) {
	jsonData, err := marshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

// marshalJSON marshals a struct to JSON
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// unmarshalJSON unmarshals JSON to a struct
func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// readResponseBody reads and closes the response body
func readResponseBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// submitTimelines submits timelines concurrently using a worker pool. Each
// timeline is one unit of work so a patient's events arrive in order; only
// distinct patients are interleaved.
func submitTimelines(ctx context.Context, config *Config, timelines []Timeline, stats *Stats) error {
	total := 0
	for _, tl := range timelines {
		total += len(tl.Envelopes)
	}
	log.Printf("📤 Submitting %d events across %d patients with %d workers...", total, len(timelines), config.Workers)

	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + "/events"

	// Counters for statistics
	var (
		successful int64
		failed     int64
		submitted  int64
	)

	// Per-request latencies for percentile reporting
	var (
		latencyMu sync.Mutex
		latencies []time.Duration
	)

	// Progress reporting
	var lastReport time.Time
	reportInterval := 1 * time.Second

	// Create worker pool
	timelineChan := make(chan Timeline, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for tl := range timelineChan {
				for _, env := range tl.Envelopes {
					select {
					case <-ctx.Done():
						return
					default:
					}

					atomic.AddInt64(&submitted, 1)
					start := time.Now()
					ok := submitSingleEnvelope(client, url, env)
					elapsed := time.Since(start)

					latencyMu.Lock()
					latencies = append(latencies, elapsed)
					latencyMu.Unlock()

					if ok {
						atomic.AddInt64(&successful, 1)
					} else {
						atomic.AddInt64(&failed, 1)
					}

					// Progress reporting
					if time.Since(lastReport) >= reportInterval {
						lastReport = time.Now()
						sub := atomic.LoadInt64(&submitted)
						succ := atomic.LoadInt64(&successful)
						fail := atomic.LoadInt64(&failed)

						if config.Verbose {
							log.Printf("📊 Progress: %d/%d submitted (success: %d, failed: %d)",
								sub, total, succ, fail)
						} else {
							fmt.Printf("\r📤 Submitted: %d/%d (success: %d, failed: %d)",
								sub, total, succ, fail)
						}
					}
				}
			}
		}()
	}

	// Send timelines to workers
	go func() {
		defer close(timelineChan)
		for _, tl := range timelines {
			select {
			case <-ctx.Done():
				return
			case timelineChan <- tl:
			}
		}
	}()

	// Wait for all workers to complete
	wg.Wait()

	// Final progress report
	if !config.Verbose {
		fmt.Println() // New line after progress indicator
	}

	// Update stats
	stats.EventsSubmitted = int(atomic.LoadInt64(&submitted))
	stats.EventsSuccessful = int(atomic.LoadInt64(&successful))
	stats.EventsFailed = int(atomic.LoadInt64(&failed))
	stats.LatencyP50 = percentile(latencies, 50)
	stats.LatencyP95 = percentile(latencies, 95)
	stats.LatencyP99 = percentile(latencies, 99)

	log.Printf(`✅ Event submission completed:
   Successful: %d
   Failed: %d
   Latency p50/p95/p99: %s / %s / %s
`, stats.EventsSuccessful, stats.EventsFailed, stats.LatencyP50, stats.LatencyP95, stats.LatencyP99)

	return nil
}

// percentile returns the p-th percentile of the observed durations.
func percentile(durations []time.Duration, p int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// submitSingleEnvelope submits one envelope and reports whether the append
// was acknowledged.
func submitSingleEnvelope(client *HTTPClient, url string, env Envelope) bool {
	resp, err := client.Post(url, env)
	if err != nil {
		return false
	}

	body, err := readResponseBody(resp)
	if err != nil {
		return false
	}

	if resp.StatusCode != StatusOK {
		return false
	}

	var ack AppendAck
	if err := unmarshalJSON(body, &ack); err != nil {
		return false
	}
	return ack.GlobalSequence > 0
}
