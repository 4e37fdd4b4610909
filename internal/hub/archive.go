package hub

import (
	"context"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
)

const (
	archiveQueueSize = 512
	archiveTimeout   = 5 * time.Second
)

// MessageSink stores relayed chat messages. history.Cache and NatsMirror
// implement it.
type MessageSink interface {
	Append(ctx context.Context, msg message.Message) error
}

// archiver hands messages to the sinks off the hub loop, so slow storage
// never delays fan-out. Messages are dropped when the queue is full.
type archiver struct {
	sinks  []MessageSink
	queue  chan message.Message
	logger *logger.Logger
	done   chan struct{}
}

func newArchiver(sinks []MessageSink, log *logger.Logger) *archiver {
	return &archiver{
		sinks:  sinks,
		queue:  make(chan message.Message, archiveQueueSize),
		logger: log,
	}
}

func (a *archiver) start(ctx context.Context) {
	if len(a.sinks) == 0 {
		return
	}
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				a.drain()
				return
			case msg := <-a.queue:
				a.store(msg)
			}
		}
	}()
}

func (a *archiver) drain() {
	for {
		select {
		case msg := <-a.queue:
			a.store(msg)
		default:
			return
		}
	}
}

func (a *archiver) store(msg message.Message) {
	for _, sink := range a.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := sink.Append(ctx, msg); err != nil {
			a.logger.Errorf("failed to archive message %s for %s: %v", msg.ID, msg.RoomID, err)
		}
		cancel()
	}
}

func (a *archiver) submit(msg message.Message) {
	if len(a.sinks) == 0 {
		return
	}
	select {
	case a.queue <- msg:
	default:
		a.logger.Warnf("archive queue full, dropping message %s for %s", msg.ID, msg.RoomID)
	}
}

func (a *archiver) wait() {
	if a.done != nil {
		<-a.done
	}
}
