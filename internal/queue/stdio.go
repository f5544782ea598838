package queue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioRecord is the line format written by the stdio producer. The consumer
// accepts it as well as bare payload lines.
type stdioRecord struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type stdioConsumer struct {
	msgs   chan Message
	errs   chan error
	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) *stdioConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}
	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
	}
	go c.loop(ctx, r, maxLine)
	return c
}

func (c *stdioConsumer) loop(ctx context.Context, r io.Reader, maxLine int) {
	defer close(c.msgs)
	defer close(c.errs)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := decodeLine(line)
		msg.Timestamp = time.Now().UTC()
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errs <- err:
		case <-ctx.Done():
		}
	}
}

func decodeLine(line []byte) Message {
	var rec stdioRecord
	if err := json.Unmarshal(line, &rec); err == nil && rec.Topic != "" && len(rec.Payload) > 0 {
		return Message{Topic: rec.Topic, Key: []byte(rec.Key), Value: append([]byte(nil), rec.Payload...)}
	}
	return Message{Value: append([]byte(nil), line...)}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgs }
func (c *stdioConsumer) Errors() <-chan error     { return c.errs }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

// Publish writes one line per record. JSON payloads are wrapped with their
// topic and key; anything else is written as is.
func (p *stdioProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	topic, err := checkTopic(topic)
	if err != nil {
		return err
	}
	line := payload
	if json.Valid(payload) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return err
		}
		line, err = json.Marshal(stdioRecord{Topic: topic, Key: string(key), Payload: buf.Bytes()})
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioProducer) Close() error { return nil }
