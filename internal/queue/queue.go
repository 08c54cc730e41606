// Package queue wires NSQ producers and consumers for the job handoff and
// exports channel depths as metrics.
package queue

import (
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookgate/internal/logging"
)

// nsqLogger routes go-nsq's log lines through the service logger.
type nsqLogger struct {
	logger *logging.Logger
}

func (l nsqLogger) Output(_ int, s string) error {
	l.logger.Plain().WithField("component", "nsq").Debug(s)
	return nil
}

func NewProducer(addr string, logger *logging.Logger) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer %s: %w", addr, err)
	}
	p.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	return p, nil
}

// ConsumerConfig returns the consumer settings used by publisher workers.
// msgTimeout is how long a job may stay in flight between touches; nsqd's
// --max-msg-timeout must allow the longest retry schedule.
func ConsumerConfig(msgTimeout time.Duration, maxInFlight int) *nsq.Config {
	c := nsq.NewConfig()
	c.MaxAttempts = 0
	if maxInFlight > 0 {
		c.MaxInFlight = maxInFlight
	}
	if msgTimeout > 0 {
		c.MsgTimeout = msgTimeout
	}
	return c
}

func NewConsumer(topic, channel string, cfg *nsq.Config, logger *logging.Logger) (*nsq.Consumer, error) {
	c, err := nsq.NewConsumer(topic, channel, cfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s/%s: %w", topic, channel, err)
	}
	c.SetLogger(nsqLogger{logger}, nsq.LogLevelWarning)
	return c, nil
}
