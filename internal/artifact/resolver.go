package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/shardline/internal/model"
)

// ErrResolution is returned when an artifact could not be resolved to a
// remote address.
var ErrResolution = errors.New("artifact resolution failed")

// Storage is the object store collaborator.
type Storage interface {
	// Upload copies the local file at localPath beneath destinationRoot and
	// returns its remote address. A destinationRoot of the form
	// gs://<bucket>/<root> selects the bucket; a bare root uses the
	// storage's default bucket.
	Upload(ctx context.Context, localPath, destinationRoot string) (string, error)

	// IsRemote reports whether ref already names a remote object.
	IsRemote(ref string) bool
}

// Pair holds the resolved app and test artifact addresses.
type Pair struct {
	App  string `json:"app"`
	Test string `json:"test"`
}

// Resolver turns artifact references into remote addresses.
type Resolver struct {
	storage Storage
	logger  *slog.Logger
}

// NewResolver creates a resolver uploading through s.
func NewResolver(s Storage, logger *slog.Logger) *Resolver {
	return &Resolver{storage: s, logger: logger}
}

// Resolve returns ref unchanged when it is already remote. Otherwise it
// uploads the local file beneath destinationRoot. Uploads are not retried.
func (r *Resolver) Resolve(ctx context.Context, ref model.ArtifactRef, destinationRoot string) (string, error) {
	if ref.IsZero() {
		return "", fmt.Errorf("%w: empty artifact reference", ErrResolution)
	}
	if ref.IsRemote() || r.storage.IsRemote(ref.Location()) {
		return ref.Location(), nil
	}

	addr, err := r.storage.Upload(ctx, ref.Location(), destinationRoot)
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", ErrResolution, ref.Location(), err)
	}

	r.logger.Info("artifact uploaded", "path", ref.Location(), "address", addr)
	return addr, nil
}

// ResolvePair resolves the app and test artifacts concurrently and waits for
// both. The first failure is returned.
func (r *Resolver) ResolvePair(ctx context.Context, app, test model.ArtifactRef, destinationRoot string) (Pair, error) {
	var pair Pair
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr, err := r.Resolve(gctx, app, destinationRoot)
		if err != nil {
			return fmt.Errorf("app artifact: %w", err)
		}
		pair.App = addr
		return nil
	})
	g.Go(func() error {
		addr, err := r.Resolve(gctx, test, destinationRoot)
		if err != nil {
			return fmt.Errorf("test artifact: %w", err)
		}
		pair.Test = addr
		return nil
	})

	if err := g.Wait(); err != nil {
		return Pair{}, err
	}
	return pair, nil
}
