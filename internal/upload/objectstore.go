package upload

import (
	"context"
	"path"
	"path/filepath"

	"github.com/mikeyg42/securitycam/internal/recorder/storage"
)

// ObjectStoreTransport puts clips straight into an S3-compatible bucket as
// <prefix>/<id><ext> and <prefix>/<id>_thumb.jpg.
type ObjectStoreTransport struct {
	store  storage.ObjectStore
	prefix string
	device string
}

func NewObjectStoreTransport(store storage.ObjectStore, prefix, device string) *ObjectStoreTransport {
	return &ObjectStoreTransport{store: store, prefix: prefix, device: device}
}

func (t *ObjectStoreTransport) key(file string) string {
	if t.prefix == "" {
		return file
	}
	return path.Join(t.prefix, file)
}

func (t *ObjectStoreTransport) Prepare(_ context.Context, a Artifacts) (Destination, error) {
	return &objectDestination{
		t:        t,
		a:        a,
		videoKey: t.key(a.ID + a.VideoExt),
		thumbKey: t.key(filepath.Base(a.ThumbnailPath)),
	}, nil
}

type objectDestination struct {
	t                  *ObjectStoreTransport
	a                  Artifacts
	videoKey, thumbKey string
}

func (d *objectDestination) metadata() map[string]string {
	md := map[string]string{"clip-id": d.a.ID}
	if d.t.device != "" {
		md["device"] = d.t.device
	}
	return md
}

// PutVideo skips the upload when the bucket already holds the clip, which
// happens when an earlier attempt landed but the local delete did not.
func (d *objectDestination) PutVideo(ctx context.Context) error {
	if ok, err := d.t.store.Exists(ctx, d.videoKey); err == nil && ok {
		return nil
	}
	return d.t.store.PutFile(ctx, d.videoKey, d.a.VideoPath,
		storage.WithContentType(d.a.VideoContentType),
		storage.WithMetadata(d.metadata()))
}

func (d *objectDestination) PutThumbnail(ctx context.Context) error {
	return d.t.store.PutFile(ctx, d.thumbKey, d.a.ThumbnailPath,
		storage.WithContentType(thumbnailContentType),
		storage.WithMetadata(d.metadata()))
}
