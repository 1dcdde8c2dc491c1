package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishConsumeOrder(t *testing.T) {
	b := NewMessageBus()
	for i := 0; i < 10; i++ {
		b.PublishInbound(&InboundMessage{SessionID: "s1", Text: fmt.Sprintf("msg-%d", i)})
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if want := fmt.Sprintf("msg-%d", i); msg.Text != want {
			t.Errorf("message %d: got %q, want %q", i, msg.Text, want)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewMessageBus()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.PublishInbound(&InboundMessage{Text: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("PublishInbound blocked with no consumer")
	}
	if got := b.InboundSize(); got != 10000 {
		t.Errorf("queued = %d, want 10000", got)
	}
}

func TestConsumeBlocksUntilPublish(t *testing.T) {
	b := NewMessageBus()
	got := make(chan *InboundMessage, 1)
	go func() {
		msg, err := b.ConsumeInbound(context.Background())
		if err != nil {
			t.Errorf("consume: %v", err)
			return
		}
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	b.PublishInbound(&InboundMessage{Text: "late"})

	select {
	case msg := <-got:
		if msg.Text != "late" {
			t.Errorf("got %q, want %q", msg.Text, "late")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestCloseDrainsThenEnds(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(&InboundMessage{Text: "last"})
	b.Close()

	msg, err := b.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatalf("expected queued message before end-of-stream, got %v", err)
	}
	if msg.Text != "last" {
		t.Errorf("got %q, want %q", msg.Text, "last")
	}

	if _, err := b.ConsumeInbound(context.Background()); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestOutboundHandlerReplacement(t *testing.T) {
	b := NewMessageBus()
	var first, second atomic.Int32
	b.RegisterOutboundHandler("web", func(*OutboundMessage) { first.Add(1) })
	b.RegisterOutboundHandler("web", func(*OutboundMessage) { second.Add(1) })

	b.PublishOutbound(&OutboundMessage{Channel: "web", Text: "hi"})

	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("first=%d second=%d, want 0/1", first.Load(), second.Load())
	}
}

func TestOutboundMissingHandlerIsNotFatal(t *testing.T) {
	b := NewMessageBus()
	// Must not panic.
	b.PublishOutbound(&OutboundMessage{Channel: "ghost", Text: "hello"})
}

func TestOutboundHandlerPanicIsRecovered(t *testing.T) {
	b := NewMessageBus()
	b.RegisterOutboundHandler("web", func(*OutboundMessage) { panic("boom") })
	b.PublishOutbound(&OutboundMessage{Channel: "web", Text: "hi"})

	// The bus must remain usable after a handler panic.
	var delivered atomic.Int32
	b.RegisterOutboundHandler("web", func(*OutboundMessage) { delivered.Add(1) })
	b.PublishOutbound(&OutboundMessage{Channel: "web", Text: "again"})
	if delivered.Load() != 1 {
		t.Errorf("delivered = %d, want 1", delivered.Load())
	}
}

func TestProgressIsBestEffort(t *testing.T) {
	b := NewMessageBus()
	b.RegisterProgressHandler("web", func(*ProgressMessage) { panic("boom") })
	b.PublishProgress(&ProgressMessage{Channel: "web", Step: StepThinking})
	b.PublishProgress(&ProgressMessage{Channel: "ghost", Step: StepThinking})
}

func TestCancelSession(t *testing.T) {
	b := NewMessageBus()

	// Idempotent with no callback registered.
	b.CancelSession("s1")

	var cancelled []string
	var mu sync.Mutex
	b.OnSessionCancel(func(sid string) {
		mu.Lock()
		cancelled = append(cancelled, sid)
		mu.Unlock()
	})

	b.CancelSession("s1")
	b.CancelSession("s1")

	mu.Lock()
	defer mu.Unlock()
	if len(cancelled) != 2 || cancelled[0] != "s1" {
		t.Errorf("cancelled = %v, want [s1 s1]", cancelled)
	}
}

func TestSingleProducerOrderUnderConcurrency(t *testing.T) {
	b := NewMessageBus()
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.PublishInbound(&InboundMessage{
					Sender: fmt.Sprintf("p%d", p),
					Text:   fmt.Sprintf("%d", i),
				})
			}
		}(p)
	}
	wg.Wait()

	// Per-producer order must be preserved even though cross-producer order
	// is unspecified.
	lastSeen := map[string]int{}
	ctx := context.Background()
	for i := 0; i < 4*perProducer; i++ {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		var n int
		fmt.Sscanf(msg.Text, "%d", &n)
		if last, ok := lastSeen[msg.Sender]; ok && n <= last {
			t.Fatalf("producer %s out of order: %d after %d", msg.Sender, n, last)
		}
		lastSeen[msg.Sender] = n
	}
}
