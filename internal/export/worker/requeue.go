package worker

import (
	"context"
	"strconv"
	"time"

	"dataport/internal/common/mq"
	appErr "dataport/pkg/errors"
	"dataport/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// AttemptHeader counts automatic requeues of one job message.
	AttemptHeader = "x-export-attempt"
	// RetryCountHeader and UserRetryCountHeader pin the failure a requeued
	// message was produced for.
	RetryCountHeader     = "x-export-retry-count"
	UserRetryCountHeader = "x-export-user-retry-count"
)

// FailureState is the request's retry counters right after a failed run.
type FailureState struct {
	RetryCount     int
	UserRetryCount int
}

// ParseFailureState reads the failure counters from headers. ok is false
// when either header is missing or malformed.
func ParseFailureState(headers map[string]string) (state FailureState, ok bool) {
	retry, err := strconv.Atoi(headers[RetryCountHeader])
	if err != nil || retry < 0 {
		return FailureState{}, false
	}
	userRetry, err := strconv.Atoi(headers[UserRetryCountHeader])
	if err != nil || userRetry < 0 {
		return FailureState{}, false
	}
	return FailureState{RetryCount: retry, UserRetryCount: userRetry}, true
}

// WithFailureState copies msg, keeping its attempt, with the failure
// counters set.
func WithFailureState(msg *mq.Message, state FailureState) *mq.Message {
	out := CloneForRetry(msg, ParseAttempt(headersOf(msg)))
	out.Headers[RetryCountHeader] = strconv.Itoa(state.RetryCount)
	out.Headers[UserRetryCountHeader] = strconv.Itoa(state.UserRetryCount)
	return out
}

func headersOf(msg *mq.Message) map[string]string {
	if msg == nil {
		return nil
	}
	return msg.Headers
}

// RequeuePolicy bounds automatic requeues of failed jobs.
type RequeuePolicy struct {
	Queue      mq.Producer
	RetryTopic string
	DeadLetter string
	// Max is the number of automatic requeues; zero disables them.
	Max       int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ParseAttempt reads the requeue counter from headers.
func ParseAttempt(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[AttemptHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneForRetry copies msg with the attempt header set.
func CloneForRetry(msg *mq.Message, attempt int) *mq.Message {
	if msg == nil {
		out := mq.NewMessage(nil)
		out.SetHeader(AttemptHeader, strconv.Itoa(attempt))
		return out
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[AttemptHeader] = strconv.Itoa(attempt)
	return out
}

// Backoff doubles base per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Requeue republishes msg on the retry topic after a backoff, or sends it to
// the dead letter topic once the budget is spent. It reports whether the
// message was requeued.
func (p RequeuePolicy) Requeue(ctx context.Context, msg *mq.Message) (bool, error) {
	if p.Queue == nil {
		return false, appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return false, appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	attempt := ParseAttempt(msg.Headers)
	if p.Max <= 0 || p.RetryTopic == "" || attempt >= p.Max {
		if p.DeadLetter == "" {
			logger.Warn(ctx, "export requeue budget exhausted without dead letter", zap.Int("attempt", attempt), zap.String("message_id", msg.ID))
			return false, nil
		}
		logger.Warn(ctx, "export requeue budget exhausted, sending to dead letter", zap.Int("attempt", attempt), zap.String("message_id", msg.ID), zap.String("topic", p.DeadLetter))
		if err := p.Queue.Publish(ctx, p.DeadLetter, CloneForRetry(msg, attempt)); err != nil {
			return false, appErr.Wrapf(err, appErr.QueueError, "publish dead letter failed")
		}
		return false, nil
	}

	delay := Backoff(attempt, p.BaseDelay, p.MaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "export requeue canceled during backoff", zap.Int("attempt", attempt), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "export requeue", zap.Int("attempt", attempt+1), zap.String("message_id", msg.ID), zap.Duration("delay", delay), zap.String("topic", p.RetryTopic))
	if err := p.Queue.Publish(ctx, p.RetryTopic, CloneForRetry(msg, attempt+1)); err != nil {
		return false, appErr.Wrapf(err, appErr.QueueError, "publish retry failed")
	}
	return true, nil
}
