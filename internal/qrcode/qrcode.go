// Package qrcode renders share URLs as scannable QR codes.
package qrcode

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	qr "github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// Renderer encodes URLs. Output depends only on the URL, so encoded images
// are memoised in a small expiring LRU keyed by the URL's digest. A share
// URL carries its token, so entries never outlive CacheTTL and Forget drops
// one as soon as its link is gone.
type Renderer struct {
	level qr.RecoveryLevel
	size  int
	cache *expirable.LRU[[sha256.Size]byte, []byte]
}

// Options tune a Renderer. Zero values take the defaults: 256px, 512
// cached images, each kept for at most five minutes.
type Options struct {
	Size      int
	CacheSize int
	CacheTTL  time.Duration
}

func New(opts Options) (*Renderer, error) {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.Size < 21 {
		return nil, fmt.Errorf("qr size %d too small", opts.Size)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	cache := expirable.NewLRU[[sha256.Size]byte, []byte](opts.CacheSize, nil, opts.CacheTTL)
	return &Renderer{level: qr.Medium, size: opts.Size, cache: cache}, nil
}

// PNG returns the code for url as a PNG image. Callers must not modify the
// returned slice.
func (r *Renderer) PNG(url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("qrcode: empty url")
	}
	key := sha256.Sum256([]byte(url))
	if png, ok := r.cache.Get(key); ok {
		return png, nil
	}
	png, err := qr.Encode(url, r.level, r.size)
	if err != nil {
		return nil, fmt.Errorf("qrcode: encode: %w", err)
	}
	r.cache.Add(key, png)
	return png, nil
}

// Forget drops the cached image for url, if any.
func (r *Renderer) Forget(url string) {
	r.cache.Remove(sha256.Sum256([]byte(url)))
}

// Terminal renders url with block characters for printing to a console.
func Terminal(url string) (string, error) {
	code, err := qr.New(url, qr.Low)
	if err != nil {
		return "", fmt.Errorf("qrcode: encode: %w", err)
	}
	return code.ToString(true), nil
}
