// jobmate-scoring-service
//
// Computes CV/job compatibility scores for saved and live-search job postings.
// Exposes a REST API used by the Gateway to implement:
//   - calculateScores: batch-score every pending saved job
//   - retryScores: requeue errored jobs and batch-score them
//   - scoreStatus: per-status counts, polled while calculating
//   - scoreStream: score a live search, streamed as SSE
//   - listJobs / saveJob / deleteJob
//
// Publishes EVENT_SCORE_UPDATED to Redis for Gateway SSE forward.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
