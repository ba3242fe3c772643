package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/graffiti-garden/graffiti-go"
	"github.com/graffiti-garden/graffiti-go/internal/access"
	"github.com/graffiti-garden/graffiti-go/internal/schema"
)

const defaultContinueBuffer = 2 * time.Second

type DiscoveryUsecase struct {
	repo   ObjectRepository
	buffer time.Duration

	mu           sync.Mutex
	lastContinue time.Time
}

// NewDiscoveryUsecase wires the discovery engine. buffer is the minimum
// delay between continuations on this instance; zero selects the
// default of two seconds.
func NewDiscoveryUsecase(repo ObjectRepository, buffer time.Duration) *DiscoveryUsecase {
	storeMetrics.init()
	if buffer <= 0 {
		buffer = defaultContinueBuffer
	}
	return &DiscoveryUsecase{repo: repo, buffer: buffer}
}

// cursorPayload is the wire form of a cursor, minus the prefix. Field
// order is fixed so equal queries serialize equally; Go sorts map keys
// inside the schema.
type cursorPayload struct {
	Channels       []string                `json:"channels"`
	Schema         any                     `json:"schema"`
	ContinueParams graffiti.ContinueParams `json:"continueParams"`
	Actor          *string                 `json:"actor"`
}

// Discover opens a fresh stream over the given channels. The snapshot
// sequence is sampled before any scan: the stream never observes a
// newer write, and the continuation picks up from exactly there.
func (uc *DiscoveryUsecase) Discover(ctx context.Context, channels []string, schemaDoc any, sess *graffiti.Session) (*DiscoverStream, error) {
	ctx, span := tracer.Start(ctx, "Discovery.Usecase.Discover")
	defer span.End()

	compiled, err := schema.Compile(schemaDoc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	startClock, err := uc.repo.Seq(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	storeMetrics.discoverStreams.Inc()
	start, end := compiled.Range()
	return &DiscoverStream{
		uc:         uc,
		channels:   channels,
		schemaDoc:  schemaDoc,
		compiled:   compiled,
		sess:       sess,
		startClock: startClock,
		start:      start,
		end:        end,
		processed:  map[string]bool{},
	}, nil
}

// Continue resumes a discovery stream from its cursor. The scan range
// is narrowed to writes strictly after the cursor's watermark, and
// tombstones are emitted rather than skipped so consumers reconcile
// deletions. Invocations closer together than the continue buffer are
// delayed.
func (uc *DiscoveryUsecase) Continue(ctx context.Context, cursor string, sess *graffiti.Session) (*DiscoverStream, error) {
	ctx, span := tracer.Start(ctx, "Discovery.Usecase.Continue")
	defer span.End()

	raw, ok := strings.CutPrefix(cursor, graffiti.CursorPrefix)
	if !ok {
		return nil, graffiti.NotFoundError{Resource: "cursor"}
	}
	var payload cursorPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, graffiti.NotFoundError{Resource: "cursor"}
	}

	if payload.Actor != nil && (sess == nil || sess.Actor != *payload.Actor) {
		err := graffiti.ForbiddenError{Reason: "cursor is bound to another actor"}
		span.RecordError(err)
		return nil, err
	}

	if err := uc.waitBuffer(ctx); err != nil {
		return nil, err
	}

	compiled, err := schema.Compile(payload.Schema)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	snapshot, err := uc.repo.Seq(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Resume strictly after the watermark: everything at or below it was
	// observable by the previous scan.
	start, end := compiled.Range()
	since := graffiti.PadLastModified(payload.ContinueParams.IfModifiedSince + 1)
	if since > start {
		start = since
	}

	startClock := snapshot
	if payload.ContinueParams.IfModifiedSince > startClock {
		startClock = payload.ContinueParams.IfModifiedSince
	}

	storeMetrics.continuations.Inc()
	return &DiscoverStream{
		uc:             uc,
		channels:       payload.Channels,
		schemaDoc:      payload.Schema,
		compiled:       compiled,
		sess:           sess,
		startClock:     startClock,
		start:          start,
		end:            end,
		emitTombstones: true,
		processed:      map[string]bool{},
	}, nil
}

// waitBuffer enforces the per-instance minimum interval between
// continuations. Callers queue behind one another: each reserves the
// next slot under the lock, then sleeps outside it.
func (uc *DiscoveryUsecase) waitBuffer(ctx context.Context) error {
	uc.mu.Lock()
	now := time.Now()
	next := uc.lastContinue.Add(uc.buffer)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
		next = now
	}
	uc.lastContinue = next
	uc.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// DiscoverStream yields events one channel at a time, in the caller's
// channel order and ascending lastModified within each channel. Next
// returns (nil, nil) once exhausted, after which Continuation is set.
// Each channel's index range is scanned inside a single backend read
// transaction and buffered; no backend state is held across yields.
type DiscoverStream struct {
	uc        *DiscoveryUsecase
	channels  []string
	schemaDoc any
	compiled  *schema.Compiled
	sess      *graffiti.Session

	startClock     int64
	start          string
	end            string
	emitTombstones bool

	processed  map[string]bool
	buf        []*graffiti.DiscoverEvent
	channelIdx int
	cont       *graffiti.Continuation
}

func (s *DiscoverStream) Next(ctx context.Context) (*graffiti.DiscoverEvent, error) {
	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			storeMetrics.discoverEvents.Inc()
			return ev, nil
		}
		if s.cont != nil {
			return nil, nil
		}
		if s.channelIdx >= len(s.channels) {
			s.finish()
			return nil, nil
		}

		channel := s.channels[s.channelIdx]
		s.channelIdx++
		if err := s.scan(ctx, channel); err != nil {
			return nil, err
		}
	}
}

// Continuation is non-nil once Next has returned (nil, nil).
func (s *DiscoverStream) Continuation() *graffiti.Continuation {
	return s.cont
}

func (s *DiscoverStream) scan(ctx context.Context, channel string) error {
	began := time.Now()
	defer func() {
		storeMetrics.scanDuration.Observe(time.Since(began).Seconds())
	}()

	return s.uc.repo.ScanChannel(ctx, channel, s.start, s.end, func(obj *graffiti.Object) error {
		// Writes newer than the stream's snapshot belong to the next
		// continuation.
		if obj.LastModified > s.startClock {
			return nil
		}
		if s.processed[obj.URL] {
			return nil
		}
		s.processed[obj.URL] = true

		if obj.Tombstone {
			if s.emitTombstones {
				s.buf = append(s.buf, &graffiti.DiscoverEvent{Tombstone: true, URL: obj.URL})
			}
			return nil
		}

		if !access.Visible(obj, s.sess) {
			return nil
		}
		masked := access.Mask(obj, s.channels, s.sess)
		if !s.compiled.Matches(masked) {
			return nil
		}
		s.buf = append(s.buf, &graffiti.DiscoverEvent{Object: masked})
		return nil
	})
}

func (s *DiscoverStream) finish() {
	var actor *string
	if s.sess != nil {
		actor = &s.sess.Actor
	}
	payload := cursorPayload{
		Channels: s.channels,
		Schema:   s.schemaDoc,
		ContinueParams: graffiti.ContinueParams{
			LastDiscovered:  time.Now().UnixMilli(),
			IfModifiedSince: s.startClock,
		},
		Actor: actor,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// The payload came from a cursor or was serializable on the way
		// in; treat failure as an empty resumption point.
		raw = []byte("{}")
	}
	s.cont = &graffiti.Continuation{Cursor: graffiti.CursorPrefix + string(raw)}
}
