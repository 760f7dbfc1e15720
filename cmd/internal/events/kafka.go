package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaOptions tunes the dispatcher.
type KafkaOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OnDrop is called for every event dropped after retries or on a full queue.
	OnDrop func(Event)
}

// DefaultKafkaOptions returns production defaults.
func DefaultKafkaOptions() KafkaOptions {
	return KafkaOptions{
		QueueSize:   4096,
		Workers:     2,
		MaxRetry:    5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// KafkaDispatcher buffers events in a bounded queue and sends them with a
// small worker pool, retrying with capped exponential backoff.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
	opt      KafkaOptions

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
	stop   chan struct{}
}

// NewKafkaProducer dials brokers with the settings a SyncProducer needs.
func NewKafkaProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewKafkaDispatcher starts the worker pool. The producer is closed by Close.
func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, log *slog.Logger, opt KafkaOptions) *KafkaDispatcher {
	def := DefaultKafkaOptions()
	if opt.QueueSize <= 0 {
		opt.QueueSize = def.QueueSize
	}
	if opt.Workers <= 0 {
		opt.Workers = def.Workers
	}
	if opt.MaxRetry < 0 {
		opt.MaxRetry = 0
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = def.BaseBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = def.MaxBackoff
	}
	if log == nil {
		log = slog.Default()
	}

	d := &KafkaDispatcher{
		producer: producer,
		topic:    topic,
		log:      log,
		opt:      opt,
		queue:    make(chan Event, opt.QueueSize),
		stop:     make(chan struct{}),
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Enqueue implements Dispatcher.
func (d *KafkaDispatcher) Enqueue(evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case d.queue <- evt:
		return nil
	default:
		d.drop(evt)
		return ErrQueueFull
	}
}

// Close stops accepting events, drains the queue and closes the producer.
// Events still queued when ctx expires are abandoned.
func (d *KafkaDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		close(d.stop)
		<-done
		err = ctx.Err()
	}
	if cerr := d.producer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= d.opt.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.opt.MaxRetry {
			d.log.Warn("events.kafka.drop",
				"type", evt.Type, "key", evt.Key(), "version", evt.Version, "worker", workerID, "err", err)
			d.drop(evt)
			return
		}

		backoff := d.opt.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opt.MaxBackoff {
			backoff = d.opt.MaxBackoff
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-d.stop:
			t.Stop()
			d.drop(evt)
			return
		}
	}
}

func (d *KafkaDispatcher) sendOnce(evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Key()),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

func (d *KafkaDispatcher) drop(evt Event) {
	if d.opt.OnDrop != nil {
		d.opt.OnDrop(evt)
	}
}
