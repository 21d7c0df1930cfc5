package notify

import (
	"context"
	"sync"
	"time"

	"github.com/nkiryanov/gopherauth/internal/logger"
)

const (
	defaultWorkers     = 2
	defaultQueueSize   = 100
	defaultSendTimeout = 10 * time.Second
)

type Config struct {
	// Number of concurrent senders
	Workers int

	// Buffered messages. Notify drops messages when the queue is full
	QueueSize int

	// Deadline for one delivery attempt
	SendTimeout time.Duration
}

// Fire and forget delivery: Notify never blocks the caller, failures are only logged
type Dispatcher struct {
	countWorkers int
	sendTimeout  time.Duration

	queue  chan Message
	sender Sender
	logger logger.Logger
}

func NewDispatcher(sender Sender, logger logger.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	return &Dispatcher{
		countWorkers: cfg.Workers,
		sendTimeout:  cfg.SendTimeout,
		queue:        make(chan Message, cfg.QueueSize),
		sender:       sender,
		logger:       logger,
	}
}

// Enqueue message or drop it if queue is full
func (d *Dispatcher) Notify(msg Message) {
	select {
	case d.queue <- msg:
	default:
		d.logger.Warn("Notification queue is full, message dropped", "to", msg.To, "subject", msg.Subject)
	}
}

// Start workers. Returned channel is closed when all workers stopped
func (d *Dispatcher) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for range d.countWorkers {
		wg.Add(1)
		go func() {
			d.worker(ctx)
			wg.Done()
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		if pending := len(d.queue); pending > 0 {
			d.logger.Warn("Dispatcher stopped with undelivered messages", "pending", pending)
		}
		d.logger.Debug("Dispatcher stopped")
	}()

	return idleStopped
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			err := d.sender.Send(sendCtx, msg)
			cancel()

			if err != nil {
				d.logger.Error("Failed to send email", "error", err, "to", msg.To, "subject", msg.Subject)
				continue
			}
			d.logger.Debug("Email sent", "to", msg.To, "subject", msg.Subject)
		}
	}
}
