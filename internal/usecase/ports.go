package usecase

import (
	"context"

	"github.com/graffiti-garden/graffiti-go"
)

// ObjectRepository defines the storage operations the engine needs: a
// primary url keyspace with atomic puts, a monotonic sequence, and
// range scans over the channel and orphan indexes.
type ObjectRepository interface {
	Get(ctx context.Context, url string) (*graffiti.Object, error)
	Put(ctx context.Context, obj *graffiti.Object) (*graffiti.Object, error)
	Tombstone(ctx context.Context, url string) (*graffiti.Object, error)
	Seq(ctx context.Context) (int64, error)
	ScanChannel(ctx context.Context, channel, startSuffix, endSuffix string, fn func(*graffiti.Object) error) error
	OrphanURLs(ctx context.Context, actor string) ([]string, error)
}

// SignalPublisher broadcasts committed writes to realtime consumers.
type SignalPublisher interface {
	Publish(ctx context.Context, event graffiti.ChangeEvent)
}
