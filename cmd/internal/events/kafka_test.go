package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaDispatcher_SendsEncodedEvent(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Type != TypeDiffApplied || evt.DocumentID != "doc-1" || evt.Version != 7 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(sp, "loom.events", nil, KafkaOptions{Workers: 1})
	if err := d.Enqueue(Event{Type: TypeDiffApplied, DocumentID: "doc-1", Version: 7}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Enqueue(Event{Type: TypeDiffApplied}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after close err=%v", err)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndSucceed()

	var dropped atomic.Int32
	d := NewKafkaDispatcher(sp, "loom.events", nil, KafkaOptions{
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		OnDrop:      func(Event) { dropped.Add(1) },
	})
	if err := d.Enqueue(Event{Type: TypePageMoved, PageID: "p1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := dropped.Load(); n != 0 {
		t.Fatalf("dropped=%d want=0", n)
	}
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	t.Parallel()

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	var dropped atomic.Int32
	d := NewKafkaDispatcher(sp, "loom.events", nil, KafkaOptions{
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		OnDrop:      func(Event) { dropped.Add(1) },
	})
	_ = d.Enqueue(Event{Type: TypePageDeleted, PageID: "p1"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := dropped.Load(); n != 1 {
		t.Fatalf("dropped=%d want=1", n)
	}
}

func TestEventKey(t *testing.T) {
	t.Parallel()

	if k := (Event{DocumentID: "d", PageID: "p"}).Key(); k != "d" {
		t.Fatalf("Key=%q want=d", k)
	}
	if k := (Event{PageID: "p"}).Key(); k != "p" {
		t.Fatalf("Key=%q want=p", k)
	}
}
