package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/seantiz/orchestra/internal/model"
)

func step(id, status string) model.ExecutionStep {
	return model.ExecutionStep{ID: id, Name: id, Status: status}
}

func TestStepBrokerSubscribeAndPublish(t *testing.T) {
	b := NewStepBroker()
	b.Open("e1")
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	b.Publish("e1", step("init", model.StepRunning))
	b.Publish("e1", step("init", model.StepCompleted))

	for _, want := range []string{model.StepRunning, model.StepCompleted} {
		select {
		case got := <-ch:
			if got.Status != want {
				t.Errorf("got status %q, want %q", got.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for step")
		}
	}
}

func TestStepBrokerFanOut(t *testing.T) {
	b := NewStepBroker()
	b.Open("e1")
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1")
	defer unsub2()

	b.Publish("e1", step("a", model.StepRunning))
	b.Publish("e2", step("other", model.StepRunning))

	for i, ch := range []<-chan model.ExecutionStep{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != "a" {
				t.Errorf("subscriber %d got %q", i, got.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
	select {
	case got := <-ch1:
		t.Fatalf("received step for another execution: %+v", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStepBrokerCloseForgetsStream(t *testing.T) {
	b := NewStepBroker()
	for _, id := range []string{"e1", "e2", "e3"} {
		b.Open(id)
	}
	ch, _ := b.Subscribe("e1")
	if n := b.Streams(); n != 3 {
		t.Fatalf("Streams() = %d, want 3", n)
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		b.Close(id)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	if n := b.Streams(); n != 0 {
		t.Errorf("Streams() = %d after closing every execution, want 0", n)
	}

	// Publishing to a forgotten stream is a no-op.
	b.Publish("e1", step("late", model.StepRunning))
	if n := b.Streams(); n != 0 {
		t.Errorf("Publish recreated a stream; Streams() = %d", n)
	}
}

func TestStepBrokerUnknownExecutionIsSettled(t *testing.T) {
	b := NewStepBroker()
	b.Open("e1")
	b.Close("e1")

	for _, id := range []string{"e1", "never-opened"} {
		ch, unsub := b.Subscribe(id)
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("%s: subscriber got an open channel", id)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: subscriber blocked", id)
		}
		unsub()
	}
	if n := b.Streams(); n != 0 {
		t.Errorf("Subscribe left %d streams behind", n)
	}
}

func TestStepBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewStepBroker()
	b.Open("e1")
	_, unsub := b.Subscribe("e1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish("e1", step("s", model.StepRunning))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestStepBrokerConcurrentUse(t *testing.T) {
	b := NewStepBroker()
	b.Open("e1")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Go(func() {
			ch, unsub := b.Subscribe("e1")
			defer unsub()
			b.Publish("e1", step("x", model.StepRunning))
			select {
			case <-ch:
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
	wg.Wait()
	b.Close("e1")
	if n := b.Streams(); n != 0 {
		t.Errorf("Streams() = %d, want 0", n)
	}
}
