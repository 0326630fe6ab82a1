package loadgen

import "time"

const (
	// StatusOK is the only status the service returns for a successful call.
	StatusOK = 200

	// WorkerChannelMultiplier sizes work channels relative to the pool.
	WorkerChannelMultiplier = 2

	// DrainPollInterval is how often /stats is polled while waiting for the
	// checkpoint to reach the head.
	DrainPollInterval = 250 * time.Millisecond

	// PercentageMultiplier converts a ratio to a percentage.
	PercentageMultiplier = 100
)
