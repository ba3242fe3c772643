package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/graffiti-garden/graffiti-go"
	"github.com/graffiti-garden/graffiti-go/internal/usecase"
)

// Key namespaces. Primary records live under objectPrefix; the two
// secondary indexes materialize channel membership and orphan ownership
// as (prefix, zero-padded lastModified, url) composite keys so range
// scans order like numeric ones.
const (
	objectPrefix  = "obj:"
	channelPrefix = "chan:"
	orphanPrefix  = "orph:"
	seqKey        = "meta:seq"
)

// record is the persisted form of an object. The revision is backend
// state stored beside it; writes that race to the same url are
// serialized by the backend, so each committed write owns a distinct
// sequence and the later committer wins.
type record struct {
	graffiti.Object
	Rev string `json:"_rev,omitempty"`
}

type ObjectRepository struct {
	db *badger.DB
}

var _ usecase.ObjectRepository = (*ObjectRepository)(nil)

func NewObjectRepository(db *badger.DB) *ObjectRepository {
	return &ObjectRepository{db: db}
}

// Get reads the latest revision of the record at url, tombstones
// included; callers decide what a tombstone means to them.
func (r *ObjectRepository) Get(ctx context.Context, objectURL string) (*graffiti.Object, error) {
	var obj *graffiti.Object
	err := r.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, objectURL)
		if err != nil {
			return err
		}
		obj = &rec.Object
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Put commits the object as the latest revision of its url, assigning
// the next backend sequence as lastModified and refreshing both
// secondary indexes. Conflicting writers are serialized by the
// backend's optimistic concurrency; conflicts are retried silently, so
// the later committer wins.
func (r *ObjectRepository) Put(ctx context.Context, obj *graffiti.Object) (*graffiti.Object, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stored := *obj
		err := r.db.Update(func(txn *badger.Txn) error {
			seq, err := nextSeq(txn)
			if err != nil {
				return err
			}

			old, err := getRecord(txn, obj.URL)
			if err != nil && !errors.Is(err, graffiti.ErrNotFound) {
				return err
			}
			if old != nil {
				if err := clearIndexRows(txn, old); err != nil {
					return err
				}
			}

			stored.LastModified = seq
			rec := record{Object: stored}
			rec.Rev = revision(seq, &rec.Object)
			stored = rec.Object

			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(objectPrefix+stored.URL), raw); err != nil {
				return err
			}
			return writeIndexRows(txn, &rec)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "put failed")
		}
		return &stored, nil
	}
}

// BulkPut commits several objects atomically: either every object lands
// with its own sequence, or none do.
func (r *ObjectRepository) BulkPut(ctx context.Context, objs []*graffiti.Object) ([]*graffiti.Object, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stored := make([]*graffiti.Object, 0, len(objs))
		err := r.db.Update(func(txn *badger.Txn) error {
			stored = stored[:0]
			for _, obj := range objs {
				seq, err := nextSeq(txn)
				if err != nil {
					return err
				}

				old, err := getRecord(txn, obj.URL)
				if err != nil && !errors.Is(err, graffiti.ErrNotFound) {
					return err
				}
				if old != nil {
					if err := clearIndexRows(txn, old); err != nil {
						return err
					}
				}

				rec := record{Object: *obj}
				rec.LastModified = seq
				rec.Rev = revision(seq, &rec.Object)

				raw, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				if err := txn.Set([]byte(objectPrefix+rec.URL), raw); err != nil {
					return err
				}
				if err := writeIndexRows(txn, &rec); err != nil {
					return err
				}
				committed := rec.Object
				stored = append(stored, &committed)
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "bulk put failed")
		}
		return stored, nil
	}
}

// Tombstone marks the record at url deleted, preserving its channels so
// continuation feeds can report the removal. A url that is missing or
// already tombstoned on the first attempt is NotFound; a retry that
// finds the tombstone already written treats the operation as committed.
func (r *ObjectRepository) Tombstone(ctx context.Context, objectURL string) (*graffiti.Object, error) {
	firstAttempt := true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var stored graffiti.Object
		err := r.db.Update(func(txn *badger.Txn) error {
			rec, err := getRecord(txn, objectURL)
			if err != nil {
				return err
			}
			if rec.Tombstone {
				if firstAttempt {
					return graffiti.NotFoundError{Resource: "object"}
				}
				// A concurrent delete won the race; terminal state observed.
				stored = rec.Object
				return nil
			}

			seq, err := nextSeq(txn)
			if err != nil {
				return err
			}
			if err := clearIndexRows(txn, rec); err != nil {
				return err
			}

			rec.Tombstone = true
			rec.Value = nil
			rec.Allowed = nil
			rec.LastModified = seq
			rec.Rev = revision(seq, &rec.Object)
			stored = rec.Object

			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(objectPrefix+objectURL), raw); err != nil {
				return err
			}
			return writeIndexRows(txn, rec)
		})
		if errors.Is(err, badger.ErrConflict) {
			firstAttempt = false
			continue
		}
		if err != nil {
			return nil, err
		}
		return &stored, nil
	}
}

// Seq reads the backend's monotonic sequence without advancing it.
func (r *ObjectRepository) Seq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(seqKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		seq, err = strconv.ParseInt(string(raw), 10, 64)
		return err
	})
	return seq, err
}

// ScanChannel walks the channel index between the two zero-padded
// suffixes (inclusive), in ascending lastModified order, invoking fn
// with each row's document. Rows whose document has vanished are
// skipped. The whole scan runs inside one read transaction; callers
// buffer results rather than holding the transaction across yields.
func (r *ObjectRepository) ScanChannel(ctx context.Context, channel, startSuffix, endSuffix string, fn func(*graffiti.Object) error) error {
	prefix := channelPrefix + url.QueryEscape(channel) + "/"
	return r.scanIndex(ctx, prefix, startSuffix, endSuffix, fn)
}

// OrphanURLs lists the actor's channel-less objects, oldest first.
// Tombstoned orphans are excluded; there is nothing left to recover.
func (r *ObjectRepository) OrphanURLs(ctx context.Context, actor string) ([]string, error) {
	prefix := orphanPrefix + url.QueryEscape(actor) + "/"
	var urls []string
	err := r.scanIndex(ctx, prefix, "", graffiti.MaxSuffix, func(obj *graffiti.Object) error {
		if obj.Tombstone {
			return nil
		}
		urls = append(urls, obj.URL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func (r *ObjectRepository) scanIndex(ctx context.Context, prefix, startSuffix, endSuffix string, fn func(*graffiti.Object) error) error {
	start := []byte(prefix + startSuffix)
	// Index keys carry ":"+url after the suffix; 0xff orders above it.
	end := prefix + endSuffix + "\xff"

	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			key := string(it.Item().Key())
			if key > end {
				break
			}

			_, objectURL, ok := splitIndexKey(key, prefix)
			if !ok {
				continue
			}

			rec, err := getRecord(txn, objectURL)
			if errors.Is(err, graffiti.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(&rec.Object); err != nil {
				return err
			}
		}
		return nil
	})
}

func getRecord(txn *badger.Txn, objectURL string) (*record, error) {
	item, err := txn.Get([]byte(objectPrefix + objectURL))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graffiti.NotFoundError{Resource: "object"}
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "corrupt record")
	}
	return &rec, nil
}

// nextSeq advances the backend's monotonic sequence inside the calling
// transaction, so every committed write owns a distinct value.
func nextSeq(txn *badger.Txn) (int64, error) {
	var seq int64
	item, err := txn.Get([]byte(seqKey))
	if err == nil {
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		seq, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}

	seq++
	if err := txn.Set([]byte(seqKey), []byte(strconv.FormatInt(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

func indexRowKeys(rec *record) []string {
	suffix := graffiti.PadLastModified(rec.LastModified)
	if len(rec.Channels) == 0 {
		return []string{orphanPrefix + url.QueryEscape(rec.Actor) + "/" + suffix + ":" + rec.URL}
	}
	keys := make([]string, 0, len(rec.Channels))
	for _, channel := range rec.Channels {
		keys = append(keys, channelPrefix+url.QueryEscape(channel)+"/"+suffix+":"+rec.URL)
	}
	return keys
}

func writeIndexRows(txn *badger.Txn, rec *record) error {
	for _, key := range indexRowKeys(rec) {
		if err := txn.Set([]byte(key), nil); err != nil {
			return err
		}
	}
	return nil
}

func clearIndexRows(txn *badger.Txn, rec *record) error {
	for _, key := range indexRowKeys(rec) {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return nil
}

func splitIndexKey(key, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	suffix, objectURL, found := strings.Cut(rest, ":")
	if !found {
		return "", "", false
	}
	return suffix, objectURL, true
}

// revision stamps a write: the sequence, then a digest of the record
// content. Revisions are stored with the record; the repository does
// not compare them.
func revision(seq int64, obj *graffiti.Object) string {
	raw, err := json.Marshal(obj)
	if err != nil {
		raw = []byte(obj.URL)
	}
	digest := blake2b.Sum256(raw)
	return fmt.Sprintf("%d-%x", seq, digest[:6])
}
