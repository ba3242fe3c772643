package usecase

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/graffiti-garden/graffiti-go"
)

func drain(t *testing.T, stream *DiscoverStream) ([]graffiti.DiscoverEvent, string) {
	t.Helper()
	var events []graffiti.DiscoverEvent
	for {
		ev, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		if ev == nil {
			break
		}
		events = append(events, *ev)
	}
	cont := stream.Continuation()
	if cont == nil {
		t.Fatalf("exhausted stream must carry a continuation")
	}
	return events, cont.Cursor
}

func postInto(t *testing.T, uc *ObjectUsecase, actor string, value map[string]any, channels ...string) *graffiti.Object {
	t.Helper()
	obj, err := uc.Post(context.Background(), graffiti.PostInput{Value: value, Channels: channels}, &graffiti.Session{Actor: actor})
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	return obj
}

func TestDiscoverDeduplicatesAcrossChannels(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)

	postInto(t, objects, "alice", map[string]any{"x": 1}, "c1", "c2")

	stream, err := discovery.Discover(context.Background(), []string{"c1", "c2"}, nil, &graffiti.Session{Actor: "alice"})
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	events, _ := drain(t, stream)
	if len(events) != 1 {
		t.Fatalf("object in both channels must be emitted once, got %d events", len(events))
	}
}

func TestDiscoverMasksForNonOwner(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)

	postInto(t, objects, "alice", map[string]any{"x": 1}, "c1", "c2")

	stream, err := discovery.Discover(context.Background(), []string{"c1"}, nil, &graffiti.Session{Actor: "bob"})
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	events, _ := drain(t, stream)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if !reflect.DeepEqual(events[0].Object.Channels, []string{"c1"}) {
		t.Fatalf("non-owner must observe only queried channels, got %v", events[0].Object.Channels)
	}
}

func TestDiscoverSkipsInvisible(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)

	_, err := objects.Post(context.Background(), graffiti.PostInput{
		Value:    map[string]any{"x": 1},
		Channels: []string{"c"},
		Allowed:  &[]string{"bob"},
	}, &graffiti.Session{Actor: "alice"})
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, &graffiti.Session{Actor: "carol"})
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	events, _ := drain(t, stream)
	if len(events) != 0 {
		t.Fatalf("restricted object must be invisible to unlisted viewers, got %d events", len(events))
	}
}

func TestDiscoverTimeWindow(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)

	postInto(t, objects, "alice", map[string]any{"n": 1}, "c")
	target := postInto(t, objects, "alice", map[string]any{"n": 2}, "c")
	postInto(t, objects, "alice", map[string]any{"n": 3}, "c")

	schemaDoc := map[string]any{
		"properties": map[string]any{
			"lastModified": map[string]any{
				"minimum": target.LastModified,
				"maximum": target.LastModified,
			},
		},
	}

	stream, err := discovery.Discover(context.Background(), []string{"c"}, schemaDoc, nil)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	events, _ := drain(t, stream)
	if len(events) != 1 {
		t.Fatalf("expected exactly the windowed object, got %d events", len(events))
	}
	if events[0].Object.URL != target.URL {
		t.Fatalf("wrong object emitted: %s", events[0].Object.URL)
	}
}

func TestContinueQuiescentYieldsNothing(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)
	sess := &graffiti.Session{Actor: "alice"}

	postInto(t, objects, "alice", map[string]any{"x": 1}, "c")

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, sess)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	events, cursor := drain(t, stream)
	if len(events) != 1 {
		t.Fatalf("expected one event from the fresh stream, got %d", len(events))
	}

	resumed, err := discovery.Continue(context.Background(), cursor, sess)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	events, _ = drain(t, resumed)
	if len(events) != 0 {
		t.Fatalf("continue with no intervening writes must be empty, got %d events", len(events))
	}
}

func TestContinueReplaysTombstone(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)
	owner := &graffiti.Session{Actor: "alice"}
	viewer := &graffiti.Session{Actor: "bob"}

	posted := postInto(t, objects, "alice", map[string]any{"x": 1}, "c")

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, viewer)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	_, cursor := drain(t, stream)

	if err := objects.Delete(context.Background(), posted.URL, owner); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	resumed, err := discovery.Continue(context.Background(), cursor, viewer)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	events, _ := drain(t, resumed)
	if len(events) != 1 {
		t.Fatalf("expected exactly one tombstone event, got %d", len(events))
	}
	if !events[0].Tombstone || events[0].URL != posted.URL {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDiscoverSkipsTombstones(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)
	sess := &graffiti.Session{Actor: "alice"}

	posted := postInto(t, objects, "alice", map[string]any{"x": 1}, "c")
	if err := objects.Delete(context.Background(), posted.URL, sess); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, sess)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	events, _ := drain(t, stream)
	if len(events) != 0 {
		t.Fatalf("fresh streams must skip tombstones, got %d events", len(events))
	}
}

func TestContinuePicksUpNewWrites(t *testing.T) {
	repo := newMemRepo()
	objects := NewObjectUsecase(repo, nil)
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)
	sess := &graffiti.Session{Actor: "alice"}

	postInto(t, objects, "alice", map[string]any{"n": 1}, "c")

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, sess)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	_, cursor := drain(t, stream)

	fresh := postInto(t, objects, "alice", map[string]any{"n": 2}, "c")

	resumed, err := discovery.Continue(context.Background(), cursor, sess)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	events, next := drain(t, resumed)
	if len(events) != 1 || events[0].Object == nil || events[0].Object.URL != fresh.URL {
		t.Fatalf("expected only the new write, got %+v", events)
	}

	// A further quiescent continuation is empty again.
	resumed, err = discovery.Continue(context.Background(), next, sess)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	events, _ = drain(t, resumed)
	if len(events) != 0 {
		t.Fatalf("expected an empty continuation, got %+v", events)
	}
}

func TestContinueActorBinding(t *testing.T) {
	repo := newMemRepo()
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, &graffiti.Session{Actor: "alice"})
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	_, cursor := drain(t, stream)

	_, err = discovery.Continue(context.Background(), cursor, &graffiti.Session{Actor: "bob"})
	if !errors.Is(err, graffiti.ErrForbidden) {
		t.Fatalf("cursor bound to another actor must be Forbidden, got %v", err)
	}
	_, err = discovery.Continue(context.Background(), cursor, nil)
	if !errors.Is(err, graffiti.ErrForbidden) {
		t.Fatalf("anonymous continuation of a bound cursor must be Forbidden, got %v", err)
	}
}

func TestContinueAnonymousCursor(t *testing.T) {
	repo := newMemRepo()
	discovery := NewDiscoveryUsecase(repo, time.Millisecond)

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, nil)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	_, cursor := drain(t, stream)

	if _, err := discovery.Continue(context.Background(), cursor, &graffiti.Session{Actor: "bob"}); err != nil {
		t.Fatalf("unbound cursor must be continuable by anyone, got %v", err)
	}
}

func TestContinueRejectsGarbageCursor(t *testing.T) {
	discovery := NewDiscoveryUsecase(newMemRepo(), time.Millisecond)

	for _, cursor := range []string{"", "bogus", graffiti.CursorPrefix + "not json"} {
		_, err := discovery.Continue(context.Background(), cursor, nil)
		if !errors.Is(err, graffiti.ErrNotFound) {
			t.Fatalf("unrecognized cursor %q must be NotFound, got %v", cursor, err)
		}
	}
}

func TestContinueRateLimit(t *testing.T) {
	repo := newMemRepo()
	buffer := 30 * time.Millisecond
	discovery := NewDiscoveryUsecase(repo, buffer)
	sess := &graffiti.Session{Actor: "alice"}

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, sess)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	_, cursor := drain(t, stream)

	began := time.Now()
	first, err := discovery.Continue(context.Background(), cursor, sess)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	_, cursor = drain(t, first)

	second, err := discovery.Continue(context.Background(), cursor, sess)
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	drain(t, second)

	if elapsed := time.Since(began); elapsed < buffer {
		t.Fatalf("second continuation ran after %v, before the %v buffer elapsed", elapsed, buffer)
	}
}

func TestContinueRateLimitHonorsContext(t *testing.T) {
	discovery := NewDiscoveryUsecase(newMemRepo(), time.Minute)
	sess := &graffiti.Session{Actor: "alice"}

	stream, err := discovery.Discover(context.Background(), []string{"c"}, nil, sess)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	_, cursor := drain(t, stream)

	// Occupy the rate-limit slot so the next call must sleep.
	if _, err := discovery.Continue(context.Background(), cursor, sess); err != nil {
		t.Fatalf("continue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = discovery.Continue(ctx, cursor, sess)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline during rate-limit sleep, got %v", err)
	}
}
