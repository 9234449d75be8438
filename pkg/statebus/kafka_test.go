package statebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestKafkaConfigValidation(t *testing.T) {
	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "events", GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, GroupID: "g1"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "events"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "events"}); err == nil {
		t.Fatal("expected error when every broker is blank")
	}

	consumer, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: "events", GroupID: "g1"})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	_ = consumer.Close()
	publisher, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "events"})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	_ = publisher.Close()
}

func TestNilClientsGuard(t *testing.T) {
	var c *KafkaConsumer
	if err := c.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if _, err := c.ReadMessage(context.Background()); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	var p *KafkaPublisher
	if err := p.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if err := p.Publish(context.Background(), "k", nil); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
}

type fakeKafkaReader struct {
	msg kafka.Message
	err error
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	return f.msg, f.err
}

func (f *fakeKafkaReader) Close() error { return nil }

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaConsumerRead(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	c := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Key: []byte("epoch"), Value: []byte(`{"n":1}`), Time: at}}}
	msg, err := c.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Key != "epoch" || string(msg.Value) != `{"n":1}` || !msg.Time.Equal(at) {
		t.Fatalf("unexpected message %+v", msg)
	}
	c = &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
	if _, err := c.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected reader error")
	}
}

func TestPublishJSON(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	if err := PublishJSON(context.Background(), p, "vote", map[string]bool{"success": true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "vote" || string(w.msgs[0].Value) != `{"success":true}` {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	if err := PublishJSON(context.Background(), p, "bad", func() {}); err == nil {
		t.Fatal("expected encode error")
	}
	w.err = errors.New("broker down")
	if err := PublishJSON(context.Background(), p, "vote", 1); err == nil {
		t.Fatal("expected writer error")
	}
}
