package usecase

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/graffiti-garden/graffiti-go"
	"github.com/graffiti-garden/graffiti-go/internal/access"
	"github.com/graffiti-garden/graffiti-go/internal/schema"
)

var tracer = otel.Tracer("store")

type ObjectUsecase struct {
	repo   ObjectRepository
	signal SignalPublisher
}

// NewObjectUsecase wires the CRUD operations. signal may be nil when no
// realtime consumers exist.
func NewObjectUsecase(repo ObjectRepository, signal SignalPublisher) *ObjectUsecase {
	storeMetrics.init()
	return &ObjectUsecase{repo: repo, signal: signal}
}

// Post mints a fresh url under the session's actor and commits the
// object. An object posted without channels is an orphan, recoverable
// only through Orphans.
func (uc *ObjectUsecase) Post(ctx context.Context, input graffiti.PostInput, sess *graffiti.Session) (*graffiti.Object, error) {
	ctx, span := tracer.Start(ctx, "Object.Usecase.Post")
	defer span.End()

	if sess == nil {
		err := graffiti.ForbiddenError{Reason: "a session is required to post"}
		span.RecordError(err)
		return nil, err
	}

	id, err := graffiti.NewObjectID()
	if err != nil {
		span.RecordError(errors.Wrap(err, "id minting failed"))
		return nil, err
	}

	value := input.Value
	if value == nil {
		value = map[string]any{}
	}

	obj := &graffiti.Object{
		URL:      graffiti.ComposeObjectURL(sess.Actor, id),
		Actor:    sess.Actor,
		Value:    value,
		Channels: dedupe(input.Channels),
		Allowed:  dedupeAllowed(input.Allowed),
	}

	stored, err := uc.repo.Put(ctx, obj)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	storeMetrics.posts.Inc()
	uc.publish(ctx, stored)
	return stored, nil
}

// Get reads the object at url, hides what the session may not see, and
// checks the result against the compiled schema. Missing, tombstoned
// and invisible records are indistinguishable to the caller.
func (uc *ObjectUsecase) Get(ctx context.Context, url string, schemaDoc any, sess *graffiti.Session) (*graffiti.Object, error) {
	ctx, span := tracer.Start(ctx, "Object.Usecase.Get")
	defer span.End()

	compiled, err := schema.Compile(schemaDoc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	obj, err := uc.repo.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if obj.Tombstone {
		return nil, graffiti.NotFoundError{Resource: "object"}
	}
	if !access.Visible(obj, sess) {
		return nil, graffiti.NotFoundError{Resource: "object"}
	}

	masked := access.Mask(obj, nil, sess)
	if !compiled.Matches(masked) {
		return nil, graffiti.SchemaMismatchError{URL: url}
	}

	storeMetrics.gets.Inc()
	return masked, nil
}

// Delete tombstones the session's own object. Channels survive on the
// tombstone so continuation feeds can report the removal to
// subscribers filtering by channel.
func (uc *ObjectUsecase) Delete(ctx context.Context, url string, sess *graffiti.Session) error {
	ctx, span := tracer.Start(ctx, "Object.Usecase.Delete")
	defer span.End()

	actor, _, err := graffiti.ParseObjectURL(url)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if sess == nil || sess.Actor != actor {
		err := graffiti.ForbiddenError{Reason: "only the owner may delete an object"}
		span.RecordError(err)
		return err
	}

	tomb, err := uc.repo.Tombstone(ctx, url)
	if err != nil {
		span.RecordError(err)
		return err
	}

	storeMetrics.deletes.Inc()
	uc.publish(ctx, tomb)
	return nil
}

// Orphans lists the urls of the session's channel-less objects, oldest
// first. Anonymous sessions own nothing.
func (uc *ObjectUsecase) Orphans(ctx context.Context, sess *graffiti.Session) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Object.Usecase.Orphans")
	defer span.End()

	if sess == nil {
		return []string{}, nil
	}
	urls, err := uc.repo.OrphanURLs(ctx, sess.Actor)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if urls == nil {
		urls = []string{}
	}
	return urls, nil
}

func (uc *ObjectUsecase) publish(ctx context.Context, obj *graffiti.Object) {
	if uc.signal == nil {
		return
	}
	uc.signal.Publish(ctx, graffiti.ChangeEvent{
		URL:          obj.URL,
		Channels:     obj.Channels,
		Tombstone:    obj.Tombstone,
		LastModified: obj.LastModified,
	})
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func dedupeAllowed(allowed *[]string) *[]string {
	if allowed == nil {
		return nil
	}
	out := dedupe(*allowed)
	return &out
}
