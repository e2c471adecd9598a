package upload

import (
	"context"

	"github.com/mikeyg42/securitycam/internal/clip"
)

// Artifacts are the local files of one clip.
type Artifacts struct {
	ID               string
	VideoPath        string
	VideoExt         string
	VideoContentType string
	ThumbnailPath    string
}

// Transport resolves where a clip's artifacts go.
type Transport interface {
	Prepare(ctx context.Context, a Artifacts) (Destination, error)
}

// Destination uploads the two artifacts of one prepared clip.
type Destination interface {
	PutVideo(ctx context.Context) error
	PutThumbnail(ctx context.Context) error
}

const thumbnailContentType = "image/jpeg"

// ContentTypeFor maps a clip extension to the Content-Type sent on upload.
func ContentTypeFor(ext string) string {
	switch ext {
	case clip.ExtAVI:
		return "video/avi"
	case clip.ExtStream:
		return "video/h264"
	default:
		return "application/octet-stream"
	}
}

func artifactsFor(dir clip.Dir, id, ext string) Artifacts {
	return Artifacts{
		ID:               id,
		VideoPath:        dir.VideoPath(id, ext),
		VideoExt:         ext,
		VideoContentType: ContentTypeFor(ext),
		ThumbnailPath:    dir.ThumbnailPath(id),
	}
}
