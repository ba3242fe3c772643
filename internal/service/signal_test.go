package service

import (
	"context"
	"testing"
	"time"

	"github.com/graffiti-garden/graffiti-go"
)

func TestLocalRealtimeFiltersByChannel(t *testing.T) {
	s := NewSignalService(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []string)
	output := make(chan graffiti.ChangeEvent)
	go s.Realtime(ctx, input, output)

	input <- []string{"c1"}
	// The subscription set updates in the Realtime goroutine right
	// after it accepts the input; give it a beat.
	time.Sleep(20 * time.Millisecond)

	s.Publish(ctx, graffiti.ChangeEvent{URL: "u1", Channels: []string{"c2"}, LastModified: 1})
	s.Publish(ctx, graffiti.ChangeEvent{URL: "u2", Channels: []string{"c1", "c2"}, LastModified: 2})

	select {
	case ev := <-output:
		if ev.URL != "u2" {
			t.Fatalf("expected the c1 event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the matching event")
	}

	select {
	case ev := <-output:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalRealtimeResubscribe(t *testing.T) {
	s := NewSignalService(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := make(chan []string)
	output := make(chan graffiti.ChangeEvent)
	go s.Realtime(ctx, input, output)

	input <- []string{"c1"}
	time.Sleep(20 * time.Millisecond)
	input <- []string{"c2"}
	time.Sleep(20 * time.Millisecond)

	s.Publish(ctx, graffiti.ChangeEvent{URL: "u1", Channels: []string{"c1"}, LastModified: 1})
	s.Publish(ctx, graffiti.ChangeEvent{URL: "u2", Channels: []string{"c2"}, LastModified: 2})

	select {
	case ev := <-output:
		if ev.URL != "u2" {
			t.Fatalf("expected only the resubscribed channel's event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the event")
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	s := NewSignalService(nil)

	done := make(chan struct{})
	go func() {
		s.Publish(context.Background(), graffiti.ChangeEvent{URL: "u", Channels: []string{"c"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish must not block without subscribers")
	}
}
