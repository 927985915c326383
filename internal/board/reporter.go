package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const reportTimeout = 5 * time.Second

// Reporter is the node-side client that reports consensus winners to a
// board. Reporting is fire-and-forget: failures are returned for logging
// but never block or retry.
type Reporter struct {
	url  string
	http *http.Client
}

// NewReporter creates a Reporter. An empty url disables reporting.
func NewReporter(url string) *Reporter {
	return &Reporter{url: url, http: &http.Client{}}
}

// Enabled reports whether a board URL is configured.
func (r *Reporter) Enabled() bool {
	return r.url != ""
}

// Report posts one consensus round's winners. Bounded by a 5s deadline.
func (r *Reporter) Report(ctx context.Context, requestID string, winners []string) error {
	if r.url == "" || len(winners) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	body, err := json.Marshal(WinnersReport{
		RequestID: requestID,
		Winners:   winners,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("report winners: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("board returned %s", resp.Status)
	}
	return nil
}
