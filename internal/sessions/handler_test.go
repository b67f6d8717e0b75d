package sessions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mindhaven-health/backend/internal/middleware"
	"github.com/mindhaven-health/backend/internal/models"
	"github.com/mindhaven-health/backend/pkg/storage"
)

type fakeThumbnails struct {
	mu      sync.Mutex
	uploads []string
	deletes []string
}

func (f *fakeThumbnails) Upload(_ context.Context, key string, _ io.Reader, _ string) error {
	f.mu.Lock()
	f.uploads = append(f.uploads, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeThumbnails) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func (f *fakeThumbnails) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	f.mu.Unlock()
	return nil
}

func newThumbnailRouter(t *testing.T, store *fakeThumbnails) (*gin.Engine, *Registry, models.Session) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := newTestRegistry()
	host := uuid.New()
	s := mustCreate(t, r, CreateParams{
		Kind:            models.KindWebinar,
		Title:           "Managing Anxiety",
		HostID:          host,
		StartsAt:        testNow.Add(time.Hour),
		DurationMinutes: 60,
	})
	h := NewHandler(r, nil, store, nil)

	router := gin.New()
	asHost := func(c *gin.Context) {
		c.Set(middleware.ContextUserID, host)
		c.Set(middleware.ContextUserRole, string(models.RoleTherapist))
	}
	router.POST("/sessions/:id/thumbnail", asHost, h.UploadThumbnail)
	router.DELETE("/sessions/:id", asHost, h.Delete)
	return router, r, s
}

func thumbnailRequest(t *testing.T, url, filename, contentType string, size int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(bytes.Repeat([]byte{0x89}, size)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadThumbnailStoresImage(t *testing.T) {
	store := &fakeThumbnails{}
	router, reg, s := newThumbnailRouter(t, store)

	req := thumbnailRequest(t, "/sessions/"+s.ID.String()+"/thumbnail", "cover.png", "image/png", 64)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	wantKey := storage.ThumbnailKey(s.ID.String())
	if len(store.uploads) != 1 || store.uploads[0] != wantKey {
		t.Errorf("uploads = %v, want [%s]", store.uploads, wantKey)
	}
	updated, _ := reg.Get(s.ID)
	if updated.ThumbnailKey != wantKey {
		t.Errorf("thumbnail key = %q, want %q", updated.ThumbnailKey, wantKey)
	}
}

func TestUploadThumbnailRejectsUnsupportedType(t *testing.T) {
	store := &fakeThumbnails{}
	router, _, s := newThumbnailRouter(t, store)

	req := thumbnailRequest(t, "/sessions/"+s.ID.String()+"/thumbnail", "report.pdf", "application/pdf", 64)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(store.uploads) != 0 {
		t.Errorf("uploads = %v, want none", store.uploads)
	}
}

func TestUploadThumbnailRejectsOversize(t *testing.T) {
	store := &fakeThumbnails{}
	router, _, s := newThumbnailRouter(t, store)

	req := thumbnailRequest(t, "/sessions/"+s.ID.String()+"/thumbnail", "cover.png", "image/png", storage.MaxThumbnailSize+1)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(store.uploads) != 0 {
		t.Errorf("uploads = %v, want none", store.uploads)
	}
}

func TestDeleteSessionRemovesThumbnail(t *testing.T) {
	store := &fakeThumbnails{}
	router, reg, s := newThumbnailRouter(t, store)

	upload := thumbnailRequest(t, "/sessions/"+s.ID.String()+"/thumbnail", "cover.jpg", "image/jpeg", 64)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, upload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d", rec.Code)
	}

	del := httptest.NewRequest(http.MethodDelete, "/sessions/"+s.ID.String(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, del)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	wantKey := storage.ThumbnailKey(s.ID.String())
	if len(store.deletes) != 1 || store.deletes[0] != wantKey {
		t.Errorf("deletes = %v, want [%s]", store.deletes, wantKey)
	}
	if _, ok := reg.Get(s.ID); ok {
		t.Error("session still present after delete")
	}
}
