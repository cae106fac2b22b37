// Package upload receives multipart file uploads, applies the image
// transforms declared on the target property and files the result under the
// record's storage name.
package upload

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/objectum/objectum-proxy/pkg/events"
	"github.com/objectum/objectum-proxy/pkg/httpx"
	"github.com/objectum/objectum-proxy/pkg/metrics"
	"github.com/objectum/objectum-proxy/pkg/objstore"
	"github.com/objectum/objectum-proxy/pkg/proxy"
)

// Pipeline handles POST /{code}/upload. Files land in Dir named
// {objectId}-{propertyId}-{name}; a declared thumbnail produces a second file
// and updates the thumbnail property on the record.
type Pipeline struct {
	Pool     *proxy.Pool
	Metrics  *metrics.Registry
	Hub      *events.Hub
	Dir      string
	MaxBytes int64

	// Check vets a staged upload before it is transformed and filed. It
	// receives the caller's handle, the target record and property, and the
	// path of the staged file so content can be inspected. Nil passes.
	Check func(ctx context.Context, store *objstore.Handle, objectID int64, prop *objstore.PropertyMeta, path string) (bool, error)
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		sid = r.URL.Query().Get("sessionId")
	}

	store, err := p.Pool.Resolve(ctx, sid)
	if err != nil {
		p.fail(w, sid, err)
		return
	}

	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		p.fail(w, sid, fmt.Errorf("multipart: %w", err))
		return
	}
	name := r.FormValue("name")
	objectID, _ := strconv.ParseInt(r.FormValue("objectId"), 10, 64)
	propID, _ := strconv.ParseInt(r.FormValue("classAttrId"), 10, 64)
	if name == "" || objectID == 0 || propID == 0 {
		p.fail(w, sid, fmt.Errorf("upload: name, objectId and classAttrId are required"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		p.fail(w, sid, fmt.Errorf("upload: file part: %w", err))
		return
	}
	defer file.Close()

	prop, ok := store.Dict.Property(propID)
	if !ok {
		p.fail(w, sid, fmt.Errorf("upload: unknown property %d", propID))
		return
	}
	// The upload is staged under a throwaway name so a half-written file
	// never shadows the record's real one. The extension is kept because
	// image encoding is chosen by it.
	tmp := filepath.Join(p.Dir, "tmp-"+uuid.NewString()+filepath.Ext(name))
	if err := p.stage(tmp, file); err != nil {
		_ = os.Remove(tmp)
		p.fail(w, sid, err)
		return
	}

	if p.Check != nil {
		allowed, err := p.Check(ctx, store, objectID, prop, tmp)
		if err != nil {
			_ = os.Remove(tmp)
			p.fail(w, sid, err)
			return
		}
		if !allowed {
			_ = os.Remove(tmp)
			p.failMsg(w, sid, "forbidden")
			return
		}
	}

	if err := p.process(ctx, store, tmp, name, objectID, prop); err != nil {
		_ = os.Remove(tmp)
		p.fail(w, sid, err)
		return
	}

	if p.Metrics != nil {
		p.Metrics.IncUpload(false)
	}
	if p.Hub != nil {
		p.Hub.Publish(events.New(events.TypeUpload, sid, map[string]interface{}{
			"objectId": objectID,
			"property": prop.Code,
			"name":     name,
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (p *Pipeline) stage(tmp string, src io.Reader) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return err
	}
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *Pipeline) process(ctx context.Context, store *objstore.Handle, tmp, name string, objectID int64, prop *objstore.PropertyMeta) error {
	opts := prop.Opts()
	if opts.Image != nil {
		if err := p.transform(ctx, store, tmp, name, objectID, opts.Image); err != nil {
			return err
		}
	}

	final := filepath.Join(p.Dir, storageName(objectID, prop.ID, name))
	return os.Rename(tmp, final)
}

func (p *Pipeline) transform(ctx context.Context, store *objstore.Handle, tmp, name string, objectID int64, opts *objstore.ImageOpts) error {
	img, err := imaging.Open(tmp)
	if err != nil {
		return fmt.Errorf("image decode: %w", err)
	}

	if rz := opts.Resize; rz != nil && rz.Width > 0 && rz.Height > 0 {
		img = imaging.Fit(img, rz.Width, rz.Height, imaging.Lanczos)
		if err := imaging.Save(img, tmp, imaging.JPEGQuality(90)); err != nil {
			return fmt.Errorf("image resize: %w", err)
		}
	}

	if th := opts.Thumbnail; th != nil && th.PropertyID != 0 {
		thumbProp, ok := store.Dict.Property(th.PropertyID)
		if !ok {
			return fmt.Errorf("thumbnail: unknown property %d", th.PropertyID)
		}
		// The thumbnail keeps the upload's name; the property id in the
		// storage name keeps the two files apart.
		thumb := imaging.Fit(img, th.Width, th.Height, imaging.Lanczos)
		thumbPath := filepath.Join(p.Dir, storageName(objectID, th.PropertyID, name))
		if err := imaging.Save(thumb, thumbPath, imaging.JPEGQuality(85)); err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
		rec, err := store.GetRecord(ctx, objectID)
		if err != nil {
			return fmt.Errorf("thumbnail record: %w", err)
		}
		rec.Set(thumbProp.Code, filepath.Base(name))
		if err := rec.Sync(ctx); err != nil {
			return fmt.Errorf("thumbnail record: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) fail(w http.ResponseWriter, sid string, err error) {
	log.Printf("upload failed: sid=%s error=%v", sid, err)
	p.failMsg(w, sid, err.Error())
}

func (p *Pipeline) failMsg(w http.ResponseWriter, sid, msg string) {
	if p.Metrics != nil {
		p.Metrics.IncUpload(true)
	}
	httpx.WriteError(w, msg)
}

// storageName is the on-disk layout clients address files by.
func storageName(objectID, propID int64, name string) string {
	return fmt.Sprintf("%d-%d-%s", objectID, propID, filepath.Base(name))
}
