package queue

import (
	"fmt"

	"github.com/nsqio/go-nsq"
)

// NewConsumer builds a consumer for topic on channel with h attached.
func NewConsumer(topic, channel string, maxInFlight int, h nsq.Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = maxInFlight
	c, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s/%s: %w", topic, channel, err)
	}
	c.AddHandler(h)
	return c, nil
}

// Connect attaches the consumer to nsqd directly, which creates the
// channel eagerly, and then to lookupd when one is given.
func Connect(c *nsq.Consumer, nsqdAddr, lookupdAddr string) error {
	if err := c.ConnectToNSQD(nsqdAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if lookupdAddr == "" {
		return nil
	}
	if err := c.ConnectToNSQLookupd(lookupdAddr); err != nil {
		return fmt.Errorf("connect to lookupd: %w", err)
	}
	return nil
}
