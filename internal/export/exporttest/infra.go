package exporttest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dataport/internal/common/mq"
	"dataport/internal/common/storage"
	"dataport/internal/export/model"
)

// MemoryStorage implements storage.ObjectStorage.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	// PutErr, when set, fails every PutObject.
	PutErr error
}

var _ storage.ObjectStorage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func objectPath(bucket, key string) string { return bucket + "/" + key }

func (s *MemoryStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectPath(bucket, objectKey)] = data
	s.types[objectPath(bucket, objectKey)] = contentType
	return nil
}

func (s *MemoryStorage) PresignGet(ctx context.Context, bucket, objectKey string, ttl time.Duration, downloadName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[objectPath(bucket, objectKey)]; !ok {
		return "", errors.New("object not found")
	}
	return fmt.Sprintf("https://storage.test/%s/%s?expires=%d&name=%s", bucket, objectKey, int64(ttl/time.Second), downloadName), nil
}

func (s *MemoryStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.objects, objectPath(bucket, key))
		delete(s.types, objectPath(bucket, key))
	}
	return nil
}

func (s *MemoryStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectPath(bucket, objectKey)]
	if !ok {
		return storage.ObjectStat{}, errors.New("object not found")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), ContentType: s.types[objectPath(bucket, objectKey)]}, nil
}

// Object returns the stored bytes of key.
func (s *MemoryStorage) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectPath(bucket, key)]
	return bytes.Clone(data), ok
}

// MemoryQueue implements mq.MessageQueue by recording publications.
type MemoryQueue struct {
	mu        sync.Mutex
	published map[string][]*mq.Message
	handlers  map[string]mq.HandlerFunc

	// PublishErr, when set, fails every Publish.
	PublishErr error
}

var _ mq.MessageQueue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		published: make(map[string][]*mq.Message),
		handlers:  make(map[string]mq.HandlerFunc),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if q.PublishErr != nil {
		return q.PublishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published[topic] = append(q.published[topic], message)
	return nil
}

func (q *MemoryQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = handler
	return nil
}

func (q *MemoryQueue) Start() error                   { return nil }
func (q *MemoryQueue) Stop() error                    { return nil }
func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }
func (q *MemoryQueue) Close() error                   { return nil }

// Published returns the messages published on topic.
func (q *MemoryQueue) Published(topic string) []*mq.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*mq.Message(nil), q.published[topic]...)
}

// Deliver hands message to the handler subscribed on topic.
func (q *MemoryQueue) Deliver(ctx context.Context, topic string, message *mq.Message) error {
	q.mu.Lock()
	handler, ok := q.handlers[topic]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for topic %s", topic)
	}
	return handler(ctx, message)
}

// MemoryProgress keeps progress snapshots in a map.
type MemoryProgress struct {
	mu    sync.Mutex
	snaps map[string]model.ProgressSnapshot
	steps map[string][]model.Stage
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{
		snaps: make(map[string]model.ProgressSnapshot),
		steps: make(map[string][]model.Stage),
	}
}

func (p *MemoryProgress) Get(ctx context.Context, requestID string) (model.ProgressSnapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snaps[requestID]
	return snap, ok, nil
}

func (p *MemoryProgress) Save(ctx context.Context, snap model.ProgressSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps[snap.ExportRequestID] = snap
	p.steps[snap.ExportRequestID] = append(p.steps[snap.ExportRequestID], snap.Step)
	return nil
}

func (p *MemoryProgress) Delete(ctx context.Context, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.snaps, requestID)
	return nil
}

// Steps returns every stage saved for requestID in order.
func (p *MemoryProgress) Steps(requestID string) []model.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Stage(nil), p.steps[requestID]...)
}
