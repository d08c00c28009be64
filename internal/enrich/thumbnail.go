package enrich

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/matheus3301/chatsync/internal/workset"
	"github.com/nfnt/resize"
)

// DefaultThumbnailSize is the bounding box edge of generated thumbnails.
const DefaultThumbnailSize = 320

// Thumbnailer makes a thumbnail for image messages we sent, uploads it and
// records its URL locally and remotely.
type Thumbnailer struct {
	size    uint
	objects remote.ObjectStore
	remote  remote.Store
	writer  *store.Writer
	set     *workset.Set
}

// NewThumbnailer creates a thumbnailer fitting images in a size x size box.
func NewThumbnailer(size uint, objects remote.ObjectStore, rs remote.Store, writer *store.Writer, set *workset.Set) *Thumbnailer {
	if size == 0 {
		size = DefaultThumbnailSize
	}
	return &Thumbnailer{size: size, objects: objects, remote: rs, writer: writer, set: set}
}

func (th *Thumbnailer) Handle(ctx context.Context, t Task) error {
	m := t.Message
	if t.Origin != Delivered || m.Media == nil || m.Media.LocalPath == "" || m.Media.ThumbnailURL != "" || !isImage(m.Media) {
		return nil
	}
	data, err := th.Render(m.Media.LocalPath)
	if err != nil {
		return err
	}
	url, err := th.objects.Upload(ctx, "thumbs/"+m.ChatID+"/"+m.ID+".jpg", data)
	if err != nil {
		return err
	}
	if _, err := th.remote.Write(ctx, wire.Messages, wire.MessageKey(m.ChatID, m.ID),
		map[string]any{"media.thumbnail_url": url}); err != nil {
		return err
	}

	cur, err := th.writer.DB().GetMessage(ctx, m.ID)
	if err != nil || cur == nil || cur.Media == nil {
		return err
	}
	cur.Media.ThumbnailURL = url
	_ = th.writer.PutMessage(ctx, cur)
	th.set.UpsertMessages(*cur)
	return nil
}

// Render decodes the image at path and returns a JPEG thumbnail.
func (th *Thumbnailer) Render(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	thumb := resize.Thumbnail(th.size, th.size, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isImage(m *store.Media) bool {
	if m.MimeType != "" {
		return strings.HasPrefix(m.MimeType, "image/")
	}
	switch strings.ToLower(filepath.Ext(m.LocalPath)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}
