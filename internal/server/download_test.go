package server

import (
	"bytes"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quickdrop/internal/qrcode"
	"quickdrop/internal/token"
)

func TestDownloadHandler_SingleUse(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	data := []byte("the only copy")
	resp := env.mustUpload(t, "", data)

	rr := env.get("/download/" + resp.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("first download: expected 200, got %d", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), data) {
		t.Fatalf("body = %q, want %q", rr.Body.Bytes(), data)
	}

	h := rr.Header()
	if !strings.HasPrefix(h.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Content-Length") != "13" {
		t.Errorf("Content-Length = %q", h.Get("Content-Length"))
	}
	if got := h.Get("Content-Disposition"); got != `attachment; filename=notes.txt` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if h.Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", h.Get("Cache-Control"))
	}
	if h.Get("X-Content-SHA256") != resp.SHA256 {
		t.Errorf("X-Content-SHA256 = %q, want %q", h.Get("X-Content-SHA256"), resp.SHA256)
	}
	if h.Get("X-Downloads-Remaining") != "0" {
		t.Errorf("X-Downloads-Remaining = %q", h.Get("X-Downloads-Remaining"))
	}

	rr = env.get("/download/" + resp.Token)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second download: expected 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), goneMessage) {
		t.Errorf("unexpected body %q", rr.Body.String())
	}
	if rr := env.get("/status/" + resp.Token); rr.Code != http.StatusNotFound {
		t.Errorf("status after consume: expected 404, got %d", rr.Code)
	}
	if env.store.Len() != 0 {
		t.Error("bytes should be destroyed once the download finished")
	}
}

func TestDownloadHandler_MultiUse(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "max_downloads=3", []byte("shared"))

	for i := 1; i <= 3; i++ {
		rr := env.get("/download/" + resp.Token)
		if rr.Code != http.StatusOK {
			t.Fatalf("download %d: expected 200, got %d", i, rr.Code)
		}
		if want := strconv.Itoa(3 - i); rr.Header().Get("X-Downloads-Remaining") != want {
			t.Errorf("download %d: remaining = %q, want %q", i, rr.Header().Get("X-Downloads-Remaining"), want)
		}
	}
	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("fourth download: expected 404, got %d", rr.Code)
	}
}

func TestDownloadHandler_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "ttl_seconds=60", []byte("short lived"))

	if rr := env.get("/status/" + resp.Token); rr.Code != http.StatusOK {
		t.Fatalf("status before expiry: expected 200, got %d", rr.Code)
	}

	env.clock.Advance(61 * time.Second)

	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after expiry, got %d", rr.Code)
	}
	if rr := env.get("/status/" + resp.Token); rr.Code != http.StatusNotFound {
		t.Fatalf("status after expiry: expected 404, got %d", rr.Code)
	}
}

func TestDownloadHandler_HeadDoesNotConsume(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "", []byte("preview me"))

	rr := env.do(httptest.NewRequest(http.MethodHead, "/download/"+resp.Token, nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("HEAD: expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}

	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusOK {
		t.Fatalf("GET after HEAD: expected 200, got %d", rr.Code)
	}
}

func TestDownloadHandler_InvalidMethod(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "", []byte("x"))

	rr := env.do(httptest.NewRequest(http.MethodPost, "/download/"+resp.Token, nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}
	if env.mgr.Stats().Active != 1 {
		t.Error("POST must not consume the object")
	}
}

func TestDownloadHandler_UnknownTokens(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"uppercase form", strings.ToUpper(token.New().Generate())},
		{"version 1 uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{"never issued", token.New().Generate()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.get("/download/" + tt.token)
			if rr.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), goneMessage) {
				t.Errorf("unexpected body %q", rr.Body.String())
			}
		})
	}
}

func TestDownloadHandler_ConcurrentSingleUse(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "", []byte("race for it"))

	const n = 32
	var ok, gone atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rr := env.get("/download/" + resp.Token)
			switch rr.Code {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusNotFound:
				gone.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || gone.Load() != n-1 {
		t.Fatalf("expected 1 success and %d denials, got %d and %d", n-1, ok.Load(), gone.Load())
	}
}

func TestStatusHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "", []byte("poll me"))

	rr := env.get("/status/" + resp.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	decodeJSON(t, rr, &body)
	if body["status"] != "active" {
		t.Errorf("status = %q", body["status"])
	}

	// Polling never counts as a retrieval.
	for i := 0; i < 5; i++ {
		env.get("/status/" + resp.Token)
	}
	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusOK {
		t.Fatalf("download after polling: expected 200, got %d", rr.Code)
	}

	rr = env.get("/status/" + resp.Token)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 once consumed, got %d", rr.Code)
	}
	decodeJSON(t, rr, &body)
	if body["status"] != "gone" {
		t.Errorf("status = %q", body["status"])
	}

	if rr := env.get("/status/not-a-token"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown token: expected 404, got %d", rr.Code)
	}
}

func TestQRHandler(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := env.mustUpload(t, "", []byte("scan me"))

	rr := env.get(resp.QRURL)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rr.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("image is %dx%d, want 256x256", b.Dx(), b.Dy())
	}

	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", rr.Code)
	}
	if rr := env.get(resp.QRURL); rr.Code != http.StatusNotFound {
		t.Fatalf("qr after consume: expected 404, got %d", rr.Code)
	}
}

// forgetfulQR records which links the server asked it to forget.
type forgetfulQR struct {
	*qrcode.Renderer
	mu        sync.Mutex
	forgotten []string
}

func (f *forgetfulQR) Forget(url string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, url)
	f.mu.Unlock()
	f.Renderer.Forget(url)
}

func TestQRForgottenWhenLinkEnds(t *testing.T) {
	r, err := qrcode.New(qrcode.Options{})
	if err != nil {
		t.Fatalf("qrcode.New: %v", err)
	}
	qr := &forgetfulQR{Renderer: r}
	env := newTestEnv(t, envOptions{mutate: func(c *Config) { c.QR = qr }})
	resp := env.mustUpload(t, "max_downloads=2", []byte("scan me twice"))

	if rr := env.get(resp.QRURL); rr.Code != http.StatusOK {
		t.Fatalf("qr: expected 200, got %d", rr.Code)
	}

	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusOK {
		t.Fatalf("first download: expected 200, got %d", rr.Code)
	}
	if len(qr.forgotten) != 0 {
		t.Fatalf("link still active but forgotten: %v", qr.forgotten)
	}

	if rr := env.get("/download/" + resp.Token); rr.Code != http.StatusOK {
		t.Fatalf("second download: expected 200, got %d", rr.Code)
	}
	if len(qr.forgotten) != 1 || qr.forgotten[0] != resp.URL {
		t.Fatalf("forgotten = %v, want [%s]", qr.forgotten, resp.URL)
	}
}
