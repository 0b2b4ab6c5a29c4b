package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type ClosablePublisher interface {
	Publisher
	Close() error
}

// ResilientPublisher opens its underlying publisher lazily and throws it away
// after a failure that points at a broken channel or connection, so the next
// Publish starts on a fresh one.
type ResilientPublisher struct {
	mu   sync.Mutex
	open func(ctx context.Context) (ClosablePublisher, error)
	cur  ClosablePublisher
	log  *zap.Logger
}

var _ Publisher = (*ResilientPublisher)(nil)

func NewResilientPublisher(open func(ctx context.Context) (ClosablePublisher, error), log *zap.Logger) *ResilientPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResilientPublisher{open: open, log: log}
}

func (p *ResilientPublisher) Publish(ctx context.Context, msg Message) error {
	cur, err := p.get(ctx)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}

	err = cur.Publish(ctx, msg)
	if err != nil && !keepsChannel(err) {
		p.drop(cur, err)
	}
	return err
}

// keepsChannel is true for failures that leave the channel usable.
func keepsChannel(err error) bool {
	return errors.Is(err, ErrNacked) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *ResilientPublisher) get(ctx context.Context) (ClosablePublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil {
		return p.cur, nil
	}
	cur, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.cur = cur
	return cur, nil
}

func (p *ResilientPublisher) drop(cur ClosablePublisher, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != cur {
		return
	}
	p.cur = nil
	_ = cur.Close()
	p.log.Warn("publisher reset after failure", zap.Error(cause))
}

func (p *ResilientPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur == nil {
		return nil
	}
	err := p.cur.Close()
	p.cur = nil
	return err
}
