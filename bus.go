package ircdd

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nsqio/go-nsq"
)

// ChatRecord is the bus payload for one line of chat. Topic name is the
// lowercased group name for channel traffic, or the recipient's nickname
// for direct messages.
type ChatRecord struct {
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	Ts         int64  `json:"ts"`
	SenderNode string `json:"sender_node"`
	Recipient  string `json:"recipient"`
}

// BusHandler consumes records delivered on a subscribed topic. Handlers
// run off the publisher's goroutine and must tolerate concurrent roster
// mutation by their owner.
type BusHandler func(rec *ChatRecord)

// Bus is the pub/sub facade the groups and realm consume. The production
// implementation is NSQBus; tests substitute an in-memory one.
type Bus interface {
	Publish(topic string, rec *ChatRecord) error
	Subscribe(topic, channel string, handler BusHandler) error
	Unsubscribe(topic, channel string) error
	Close() error
}

type subKey struct {
	topic   string
	channel string
}

// NSQBus routes chat records through an NSQ cluster: one producer per
// configured nsqd, publishes round-robined across them, and one consumer
// per (topic, channel) discovered through lookupd.
type NSQBus struct {
	logger       Logger
	lookupdAddrs []string
	producers    []*nsq.Producer
	next         uint32

	lock      sync.Mutex
	consumers map[subKey]*nsq.Consumer
}

var _ Bus = (*NSQBus)(nil)

// NewNSQBus connects a producer to every nsqd address in the config.
// Consumers are created lazily per subscription.
func NewNSQBus(cfg *Config, logger Logger) (*NSQBus, error) {
	if len(cfg.NSQDTCPAddresses) == 0 {
		return nil, fmt.Errorf("no nsqd addresses configured")
	}
	bus := &NSQBus{
		logger:       logger,
		lookupdAddrs: cfg.LookupdHTTPAddresses,
		consumers:    make(map[subKey]*nsq.Consumer),
	}
	nsqCfg := nsq.NewConfig()
	for _, addr := range cfg.NSQDTCPAddresses {
		producer, err := nsq.NewProducer(addr, nsqCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create producer for %v: %v", addr, err)
		}
		bus.producers = append(bus.producers, producer)
	}
	return bus, nil
}

func (b *NSQBus) Publish(topic string, rec *ChatRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	i := atomic.AddUint32(&b.next, 1)
	producer := b.producers[int(i)%len(b.producers)]
	return producer.Publish(topic, body)
}

func (b *NSQBus) Subscribe(topic, channel string, handler BusHandler) error {
	key := subKey{topic, channel}

	b.lock.Lock()
	if _, ok := b.consumers[key]; ok {
		b.lock.Unlock()
		return fmt.Errorf("already subscribed to %v as %v", topic, channel)
	}
	b.lock.Unlock()

	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return err
	}
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var rec ChatRecord
		if err := json.Unmarshal(m.Body, &rec); err != nil {
			b.logger.Printf("dropping undecodable record on %v: %v", topic, err)
			return nil
		}
		handler(&rec)
		return nil
	}))
	if err := consumer.ConnectToNSQLookupds(b.lookupdAddrs); err != nil {
		consumer.Stop()
		return err
	}

	b.lock.Lock()
	b.consumers[key] = consumer
	b.lock.Unlock()
	return nil
}

func (b *NSQBus) Unsubscribe(topic, channel string) error {
	key := subKey{topic, channel}

	b.lock.Lock()
	consumer, ok := b.consumers[key]
	delete(b.consumers, key)
	b.lock.Unlock()

	if !ok {
		return fmt.Errorf("not subscribed to %v as %v", topic, channel)
	}
	consumer.Stop()
	return nil
}

// Close stops every consumer and producer. Subscriptions drain before
// their consumers report stopped.
func (b *NSQBus) Close() error {
	b.lock.Lock()
	consumers := make([]*nsq.Consumer, 0, len(b.consumers))
	for key, consumer := range b.consumers {
		consumers = append(consumers, consumer)
		delete(b.consumers, key)
	}
	b.lock.Unlock()

	for _, consumer := range consumers {
		consumer.Stop()
	}
	for _, consumer := range consumers {
		<-consumer.StopChan
	}
	for _, producer := range b.producers {
		producer.Stop()
	}
	return nil
}
