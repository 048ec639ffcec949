package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

const (
	// taskSubjectPrefix namespaces task queues on the NATS side.
	taskSubjectPrefix = "taskd.tasks."
	// cancelSubject carries broadcast cancellation requests.
	cancelSubject = "taskd.control.cancel"
	// handleHeader carries the task handle so queued messages can be
	// matched by cancellation without decoding the envelope.
	handleHeader = "Taskd-Handle"
)

// NATSBroker is the production Broker on top of NATS core. Each queue maps
// to a subject with a same-named queue group, so workers compete for
// messages. Pause and resume are implemented by tearing down and
// re-establishing the worker's subscriptions.
type NATSBroker struct {
	nc     *nats.Conn
	logger *slog.Logger

	mu         sync.Mutex
	subs       map[string]map[string]*natsConsumer
	cancelSubs []*cancelForwarder
	closed     bool
}

type cancelForwarder struct {
	sub *nats.Subscription
	raw chan *nats.Msg
}

type natsConsumer struct {
	queue string
	sub   *nats.Subscription
	msgs  chan *nats.Msg
	out   chan Message
	quit  chan struct{}
}

// ConnectNATS dials the NATS server and returns a broker. Reconnects are
// unbounded; connection state changes are logged.
func ConnectNATS(url string, logger *slog.Logger) (*NATSBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("taskd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	logger.Info("connected to nats", "url", url)
	return &NATSBroker{
		nc:     nc,
		logger: logger,
		subs:   make(map[string]map[string]*natsConsumer),
	}, nil
}

func taskSubject(queue string) string {
	return taskSubjectPrefix + queue
}

func (b *NATSBroker) Publish(ctx context.Context, queue, handle string, body []byte) error {
	msg := &nats.Msg{
		Subject: taskSubject(queue),
		Data:    body,
		Header:  nats.Header{handleHeader: []string{handle}},
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, workerID, queue string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("subscribe %s: broker closed", queue)
	}

	c := &natsConsumer{
		queue: queue,
		msgs:  make(chan *nats.Msg, 64),
		out:   make(chan Message),
		quit:  make(chan struct{}),
	}

	sub, err := b.nc.ChanQueueSubscribe(taskSubject(queue), queue, c.msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", queue, err)
	}
	c.sub = sub

	if b.subs[workerID] == nil {
		b.subs[workerID] = make(map[string]*natsConsumer)
	}
	b.subs[workerID][queue] = c

	go c.forward()
	return c.out, nil
}

// forward converts raw NATS messages into broker messages. It outlives
// pause/resume cycles because resume reuses the same msgs channel.
func (c *natsConsumer) forward() {
	defer close(c.out)
	for {
		select {
		case msg := <-c.msgs:
			m := Message{Queue: c.queue, Handle: msg.Header.Get(handleHeader), Body: msg.Data}
			select {
			case c.out <- m:
			case <-c.quit:
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (b *NATSBroker) StopConsuming(ctx context.Context, workerID string, queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, queue := range queues {
		c := b.subs[workerID][queue]
		if c == nil || c.sub == nil {
			continue
		}
		if err := c.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("stop consuming %s: %w", queue, err)
		}
		c.sub = nil
	}
	b.logger.Info("stopped consuming", "worker_id", workerID, "queues", queues)
	return nil
}

func (b *NATSBroker) StartConsuming(ctx context.Context, workerID string, queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, queue := range queues {
		c := b.subs[workerID][queue]
		if c == nil || c.sub != nil {
			continue
		}
		sub, err := b.nc.ChanQueueSubscribe(taskSubject(queue), queue, c.msgs)
		if err != nil {
			return fmt.Errorf("start consuming %s: %w", queue, err)
		}
		c.sub = sub
	}
	b.logger.Info("started consuming", "worker_id", workerID, "queues", queues)
	return nil
}

func (b *NATSBroker) Cancel(ctx context.Context, handle string, force bool) (bool, error) {
	data, err := json.Marshal(CancelRequest{Handle: handle, Force: force})
	if err != nil {
		return false, fmt.Errorf("marshal cancel request: %w", err)
	}
	if err := b.nc.Publish(cancelSubject, data); err != nil {
		return false, fmt.Errorf("publish cancel: %w", err)
	}
	return true, nil
}

func (b *NATSBroker) CancelRequests(ctx context.Context, workerID string) (<-chan CancelRequest, error) {
	raw := make(chan *nats.Msg, 16)

	// Plain subscription, no queue group: every worker sees every cancel.
	sub, err := b.nc.ChanSubscribe(cancelSubject, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe cancel requests: %w", err)
	}

	b.mu.Lock()
	b.cancelSubs = append(b.cancelSubs, &cancelForwarder{sub: sub, raw: raw})
	b.mu.Unlock()

	out := make(chan CancelRequest, 16)
	go func() {
		defer close(out)
		for msg := range raw {
			var req CancelRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				b.logger.Warn("malformed cancel request", "error", err)
				continue
			}
			out <- req
		}
	}()
	return out, nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, consumers := range b.subs {
		for _, c := range consumers {
			if c.sub != nil {
				_ = c.sub.Unsubscribe()
				c.sub = nil
			}
			close(c.quit)
		}
	}
	for _, cf := range b.cancelSubs {
		_ = cf.sub.Unsubscribe()
		close(cf.raw)
	}
	b.cancelSubs = nil
	b.mu.Unlock()

	return b.nc.Drain()
}
