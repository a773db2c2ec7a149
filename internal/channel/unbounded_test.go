package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"qingxi/models"
)

func TestSendNeverBlocksAndKeepsOrder(t *testing.T) {
	u := NewUnbounded[int]("test")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			if err := u.Send(i); err != nil {
				t.Errorf("Send: %v", err)
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sender blocked without a reader")
	}
	if st := u.Stats(); st.Sent != 10000 || st.Peak < 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	u.Close()

	want := 0
	for v := range u.Out() {
		if v != want {
			t.Fatalf("got %d, want %d", v, want)
		}
		want++
	}
	if want != 10000 {
		t.Fatalf("received %d values", want)
	}
	if st := u.Stats(); st.Delivered != 10000 || st.Buffered != 0 {
		t.Fatalf("unexpected stats after drain %+v", st)
	}
}

func TestSendAfterClose(t *testing.T) {
	u := NewUnbounded[string]("test")
	u.Close()
	u.Close()
	if err := u.Send("x"); !errors.Is(err, models.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if !models.IsKind(u.Send("y"), models.ErrInternal) {
		t.Fatalf("closed channel error should be internal")
	}
	if _, ok := <-u.Out(); ok {
		t.Fatalf("out should be closed")
	}
}

func TestConcurrentSendersWithReader(t *testing.T) {
	u := NewUnbounded[int]("test")
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				u.Send(i)
			}
		}()
	}
	got := make(chan int)
	go func() {
		n := 0
		for range u.Out() {
			n++
		}
		got <- n
	}()
	wg.Wait()
	u.Close()
	if n := <-got; n != 4000 {
		t.Fatalf("received %d values, want 4000", n)
	}
}
