package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dataport/pkg/utils/contextkey"
	"dataport/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	// HeaderDeadLetterTopic and HeaderDeadLetterError annotate dead letters
	// with where and why the message failed.
	HeaderDeadLetterTopic = "x-dead-letter-topic"
	HeaderDeadLetterError = "x-dead-letter-error"

	fetchBackoffMin = 100 * time.Millisecond
	fetchBackoffMax = 5 * time.Second
)

// consumer drains one topic with a fetch goroutine feeding a fixed pool
// of handler goroutines. Offsets are committed only after a message is
// handled or dead-lettered.
type consumer struct {
	queue   *KafkaQueue
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	parent  context.Context

	mu     sync.Mutex
	reader *kafka.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *consumer) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.parent)
	c.cancel = cancel
	reader := c.queue.newReader(c.topic, c.opts.ConsumerGroup)
	c.reader = reader

	messages := make(chan kafka.Message, c.opts.Concurrency)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(messages)
		c.fetch(ctx, reader, messages)
	}()
	for i := 0; i < c.opts.Concurrency; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for msg := range messages {
				c.handle(ctx, reader, msg)
			}
		}()
	}
}

func (c *consumer) stop() error {
	c.mu.Lock()
	cancel, reader := c.cancel, c.reader
	c.cancel, c.reader = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()
	return reader.Close()
}

func (c *consumer) fetch(ctx context.Context, reader *kafka.Reader, out chan<- kafka.Message) {
	backoff := fetchBackoffMin
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "kafka fetch failed", zap.String("topic", c.topic), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, fetchBackoffMax)
			continue
		}
		backoff = fetchBackoffMin
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// handle runs the handler with bounded in-process retries and dead-letters
// the message once they are spent.
func (c *consumer) handle(ctx context.Context, reader *kafka.Reader, raw kafka.Message) {
	msg := decodeMessage(raw)
	if msg.MaxRetries == 0 {
		msg.MaxRetries = c.opts.MaxRetries
	}
	msgCtx := ctx
	if traceID, ok := msg.GetHeader(HeaderTraceID); ok && traceID != "" {
		msgCtx = context.WithValue(ctx, contextkey.TraceID, traceID)
	}

	for {
		err := c.invoke(msgCtx, msg)
		if err == nil {
			c.commit(ctx, reader, raw)
			return
		}
		if ctx.Err() != nil {
			return
		}
		msg.RetryCount++
		if msg.RetryCount > msg.MaxRetries {
			logger.Error(msgCtx, "message handler exhausted retries",
				zap.String("topic", c.topic),
				zap.String("message_id", msg.ID),
				zap.Int("attempts", msg.RetryCount),
				zap.Error(err),
			)
			c.deadLetter(msgCtx, msg, err)
			c.commit(ctx, reader, raw)
			return
		}
		logger.Warn(msgCtx, "message handler failed, retrying",
			zap.String("topic", c.topic),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", msg.RetryCount),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.RetryDelay):
		}
	}
}

func (c *consumer) invoke(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

func (c *consumer) deadLetter(ctx context.Context, msg *Message, cause error) {
	if c.opts.DeadLetterTopic == "" {
		return
	}
	msg.SetHeader(HeaderDeadLetterTopic, c.topic)
	msg.SetHeader(HeaderDeadLetterError, cause.Error())
	if err := c.queue.Publish(ctx, c.opts.DeadLetterTopic, msg); err != nil {
		logger.Error(ctx, "publish dead letter failed", zap.String("topic", c.opts.DeadLetterTopic), zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (c *consumer) commit(ctx context.Context, reader *kafka.Reader, raw kafka.Message) {
	if err := reader.CommitMessages(ctx, raw); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn(ctx, "kafka commit failed", zap.String("topic", c.topic), zap.Int64("offset", raw.Offset), zap.Error(err))
	}
}
