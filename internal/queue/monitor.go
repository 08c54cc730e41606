package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/hookgate/internal/logging"
	"github.com/austindbirch/hookgate/internal/metrics"
)

// Stats is the subset of nsqd's /stats?format=json the monitor reads.
type Stats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name          string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd and updates the depth gauges. The worker backlog gauge
// follows WorkerTopic/WorkerChannel.
type Monitor struct {
	StatsURL      string
	Topics        []string
	WorkerTopic   string
	WorkerChannel string
	Interval      time.Duration

	client *http.Client
	logger *logging.Logger
}

// NewMonitor builds a monitor for the nsqd HTTP address (host:port or URL).
func NewMonitor(nsqdHTTPAddr, workerTopic, workerChannel string, topics ...string) *Monitor {
	base := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Monitor{
		StatsURL:      base + "/stats?format=json",
		Topics:        append([]string{workerTopic}, topics...),
		WorkerTopic:   workerTopic,
		WorkerChannel: workerChannel,
		Interval:      15 * time.Second,
		client:        &http.Client{Timeout: 5 * time.Second},
		logger:        logging.New("hookgate-queue-monitor"),
	}
}

func (m *Monitor) watched(topic string) bool {
	for _, t := range m.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Poll fetches stats once and updates the gauges.
func (m *Monitor) Poll(ctx context.Context) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.StatsURL, nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.watched(topic.Name) {
			continue
		}
		for _, ch := range topic.Channels {
			if topic.Name == m.WorkerTopic && ch.Name == m.WorkerChannel {
				metrics.UpdateWorkerBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
	return stats, nil
}

// Run polls every Interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithContext(ctx).WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
