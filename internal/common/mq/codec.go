package mq

import (
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Transport headers are lifted into Message fields and never surface in
// Message.Headers.
const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
)

func encodeMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(message.Headers)+4)
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	add := func(key, value string) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	if message.ID != "" {
		add(headerID, message.ID)
	}
	add(headerTimestamp, message.Timestamp.UTC().Format(time.RFC3339Nano))
	if message.RetryCount > 0 {
		add(headerRetryCount, strconv.Itoa(message.RetryCount))
	}
	if message.MaxRetries > 0 {
		add(headerMaxRetries, strconv.Itoa(message.MaxRetries))
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func decodeMessage(raw kafka.Message) *Message {
	m := &Message{
		Body:      raw.Value,
		Headers:   make(map[string]string, len(raw.Headers)),
		Timestamp: raw.Time,
	}
	for _, h := range raw.Headers {
		value := string(h.Value)
		switch h.Key {
		case headerID:
			m.ID = value
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.Timestamp = ts
			}
		case headerRetryCount:
			m.RetryCount = nonNegative(value)
		case headerMaxRetries:
			m.MaxRetries = nonNegative(value)
		default:
			m.Headers[h.Key] = value
		}
	}
	if m.ID == "" {
		m.ID = string(raw.Key)
	}
	return m
}

func nonNegative(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
