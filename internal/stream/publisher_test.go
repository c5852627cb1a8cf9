package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"mao/internal/model"
)

type fakeWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaPublisher_KeyedByOrderID(t *testing.T) {
	fw := &fakeWriter{}
	p := NewKafkaPublisherWith(fw)

	a := Applied{OrderID: "o1", EventID: "e1", Type: model.EventPay, State: model.StatePaid, TS: 1700000000}
	if err := p.Publish(context.Background(), a); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(fw.msgs))
	}
	if string(fw.msgs[0].Key) != "o1" {
		t.Fatalf("message key should be the order id, got %q", fw.msgs[0].Key)
	}
	var got Applied
	if err := json.Unmarshal(fw.msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != a {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, a)
	}
}

func TestKafkaPublisher_WriteFailureSurfaces(t *testing.T) {
	p := NewKafkaPublisherWith(&fakeWriter{fail: true})
	if err := p.Publish(context.Background(), Applied{OrderID: "o1"}); err == nil {
		t.Fatalf("want error from failing writer")
	}
}
