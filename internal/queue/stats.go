package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/austindbirch/jobhook/internal/metrics"
)

// NSQStats is the subset of nsqd's /stats?format=json the monitor reads.
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// FetchStats reads channel stats from nsqd's HTTP address (host:port).
func FetchStats(ctx context.Context, client *http.Client, nsqdHTTPAddr string) (*NSQStats, error) {
	base := nsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/stats?format=json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nsqd stats returned %s", resp.Status)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return &stats, nil
}

// Record publishes depth and in-flight gauges for every channel of the
// given topics and returns how many channels it saw.
func (s *NSQStats) Record(topics Topics) int {
	watched := map[string]bool{topics.Completions: true, topics.Retries: true, topics.DLQ: true}
	n := 0
	for _, t := range s.Topics {
		if !watched[t.TopicName] {
			continue
		}
		for _, c := range t.Channels {
			metrics.UpdateQueueDepth(t.TopicName, c.ChannelName, float64(c.Depth), float64(c.InFlightCount))
			n++
		}
	}
	return n
}
