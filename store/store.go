// Package store assembles the engine into an embeddable object store:
// open a directory, post and discover objects, close. The REST daemon
// in cmd/graffitid is a thin shell around this package.
package store

import (
	"context"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/graffiti-garden/graffiti-go"
	"github.com/graffiti-garden/graffiti-go/internal/infra/database"
	"github.com/graffiti-garden/graffiti-go/internal/infra/repository"
	"github.com/graffiti-garden/graffiti-go/internal/service"
	"github.com/graffiti-garden/graffiti-go/internal/usecase"
)

// Options configures a store. The zero value opens "./data/graffitiDb"
// with the default continuation buffer.
type Options struct {
	// Path is the directory holding databases.
	Path string
	// Name is the logical database name under Path.
	Name string
	// InMemory keeps everything off disk; useful for tests.
	InMemory bool
	// ContinueBuffer is the minimum delay between discovery
	// continuations; zero selects the default of two seconds.
	ContinueBuffer time.Duration
	// Redis, when set, fans change signals out through redis pub-sub so
	// several daemons can share one realtime feed.
	Redis *redis.Client
}

type Store struct {
	db        *badger.DB
	objects   *usecase.ObjectUsecase
	discovery *usecase.DiscoveryUsecase
	sessions  *service.SessionService
	signal    *service.SignalService
}

// Open builds the engine over an embedded database.
func Open(opts Options) (*Store, error) {
	path := opts.Path
	if path == "" {
		path = "./data"
	}
	name := opts.Name
	if name == "" {
		name = "graffitiDb"
	}

	db, err := database.NewBadger(filepath.Join(path, name), opts.InMemory)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	repo := repository.NewObjectRepository(db)
	signal := service.NewSignalService(opts.Redis)

	return &Store{
		db:        db,
		objects:   usecase.NewObjectUsecase(repo, signal),
		discovery: usecase.NewDiscoveryUsecase(repo, opts.ContinueBuffer),
		sessions:  service.NewSessionService(),
		signal:    signal,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Post mints a url for the session's actor and stores the object.
func (s *Store) Post(ctx context.Context, input graffiti.PostInput, sess *graffiti.Session) (*graffiti.Object, error) {
	return s.objects.Post(ctx, input, sess)
}

// Get reads one object, masked for the session and checked against the
// schema.
func (s *Store) Get(ctx context.Context, url string, schema any, sess *graffiti.Session) (*graffiti.Object, error) {
	return s.objects.Get(ctx, url, schema, sess)
}

// Delete tombstones the session's own object.
func (s *Store) Delete(ctx context.Context, url string, sess *graffiti.Session) error {
	return s.objects.Delete(ctx, url, sess)
}

// Discover streams the objects in the given channels that match the
// schema; the exhausted stream carries a resumable continuation.
func (s *Store) Discover(ctx context.Context, channels []string, schema any, sess *graffiti.Session) (*usecase.DiscoverStream, error) {
	return s.discovery.Discover(ctx, channels, schema, sess)
}

// Continue resumes a discovery stream from its cursor, replaying
// tombstones for anything deleted since.
func (s *Store) Continue(ctx context.Context, cursor string, sess *graffiti.Session) (*usecase.DiscoverStream, error) {
	return s.discovery.Continue(ctx, cursor, sess)
}

// Orphans lists the session's channel-less object urls.
func (s *Store) Orphans(ctx context.Context, sess *graffiti.Session) ([]string, error) {
	return s.objects.Orphans(ctx, sess)
}

// Sessions exposes the session manager.
func (s *Store) Sessions() *service.SessionService {
	return s.sessions
}

// Objects and Discovery expose the usecases for transports that wire
// their own surface.
func (s *Store) Objects() *usecase.ObjectUsecase {
	return s.objects
}

func (s *Store) Discovery() *usecase.DiscoveryUsecase {
	return s.discovery
}

// Signal exposes the change-event fan-out.
func (s *Store) Signal() *service.SignalService {
	return s.signal
}
