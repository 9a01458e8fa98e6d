package hash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"
)

const (
	defaultMaxFrames = 8
	defaultMaxBytes  = 8 << 20
	defaultMaxPixels = 40_000_000
)

var ErrImageTooLarge = errors.New("image exceeds size limit")

// DecodeError reports bytes that could not be turned into a fingerprint.
// Callers skip the attachment.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Hasher computes perceptual fingerprints for still and animated images.
type Hasher struct {
	httpClient *http.Client
	maxFrames  int
	maxBytes   int64
	maxPixels  int64
}

type Option func(*Hasher)

// WithMaxFrames bounds the number of GIF frames sampled.
func WithMaxFrames(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.maxFrames = n
		}
	}
}

// WithMaxBytes bounds downloads made by HashURL.
func WithMaxBytes(n int64) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithMaxPixels bounds the declared width*height an image may have before
// it is decoded.
func WithMaxPixels(n int64) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.maxPixels = n
		}
	}
}

// WithTimeout sets the download timeout used by HashURL.
func WithTimeout(d time.Duration) Option {
	return func(h *Hasher) {
		if d > 0 {
			h.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Hasher) {
		if c != nil {
			h.httpClient = c
		}
	}
}

// NewHasher creates a new Hasher.
func NewHasher(opts ...Option) *Hasher {
	h := &Hasher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxFrames:  defaultMaxFrames,
		maxBytes:   defaultMaxBytes,
		maxPixels:  defaultMaxPixels,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Hash decodes data and returns one fingerprint per distinct frame. Still
// images always yield exactly one.
func (h *Hasher) Hash(data []byte, alg Algorithm) ([]Fingerprint, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty payload")}
	}
	if err := h.checkDimensions(data); err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte("GIF8")) {
		return h.hashGIF(data, alg)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Format: format, Err: err}
	}
	fp, err := h.HashImage(img, alg)
	if err != nil {
		return nil, &DecodeError{Format: format, Err: err}
	}
	return []Fingerprint{fp}, nil
}

// HashImage fingerprints a decoded image. When the requested algorithm
// fails it falls back to dHash and then aHash, recording the algorithm
// actually used.
func (h *Hasher) HashImage(img image.Image, alg Algorithm) (Fingerprint, error) {
	if img == nil || img.Bounds().Empty() {
		return Fingerprint{}, errors.New("empty image")
	}
	chain := []Algorithm{alg, DHash, AHash}
	if alg == DHash || alg == AHash {
		chain = []Algorithm{alg}
	}
	var errs []error
	for _, a := range chain {
		d, err := compute(img, a)
		if err == nil {
			return Fingerprint{Digest: d, Algorithm: a}, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", a, err))
	}
	return Fingerprint{}, errors.Join(errs...)
}

// HashURL downloads an image and fingerprints it. Oversized bodies fail
// with ErrImageTooLarge.
func (h *Hasher) HashURL(ctx context.Context, url string, alg Algorithm) ([]Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.ContentLength > h.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, h.maxBytes)
	}
	return h.Hash(data, alg)
}

// checkDimensions reads only the header so a tiny file declaring a huge
// canvas is rejected before any pixel buffer is allocated. For GIFs the
// header is the logical screen, which bounds every frame.
func (h *Hasher) checkDimensions(data []byte) error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return &DecodeError{Format: format, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &DecodeError{Format: format, Err: fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > h.maxPixels {
		return &DecodeError{Format: format, Err: fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, h.maxPixels)}
	}
	return nil
}

func (h *Hasher) hashGIF(data []byte, alg Algorithm) ([]Fingerprint, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Format: "gif", Err: err}
	}
	if len(g.Image) == 0 {
		return nil, &DecodeError{Format: "gif", Err: errors.New("no frames")}
	}

	picks := sampleFrames(len(g.Image), h.maxFrames)
	var out []Fingerprint
	for _, frame := range composite(g, picks) {
		fp, err := h.HashImage(frame, alg)
		if err != nil {
			return nil, &DecodeError{Format: "gif", Err: err}
		}
		if !containsFingerprint(out, fp) {
			out = append(out, fp)
		}
	}
	return out, nil
}

// sampleFrames picks up to max frame indexes spread evenly over n frames.
func sampleFrames(n, max int) map[int]bool {
	picks := make(map[int]bool)
	if n <= max {
		for i := 0; i < n; i++ {
			picks[i] = true
		}
		return picks
	}
	for i := 0; i < max; i++ {
		picks[i*n/max] = true
	}
	return picks
}

// composite replays the GIF onto a canvas and snapshots the picked frames.
func composite(g *gif.GIF, picks map[int]bool) []image.Image {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	var out []image.Image

	for i, frame := range g.Image {
		var saved *image.RGBA
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			saved = image.NewRGBA(bounds)
			draw.Draw(saved, bounds, canvas, bounds.Min, draw.Src)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		if picks[i] {
			snap := image.NewRGBA(bounds)
			draw.Draw(snap, bounds, canvas, bounds.Min, draw.Src)
			out = append(out, snap)
		}

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			draw.Draw(canvas, bounds, saved, bounds.Min, draw.Src)
		}
	}
	return out
}

func compute(img image.Image, alg Algorithm) (Digest, error) {
	switch alg {
	case PHash:
		h, err := goimagehash.PerceptionHash(img)
		if err != nil {
			return nil, err
		}
		return Digest{h.GetHash()}, nil
	case DHash:
		h, err := goimagehash.DifferenceHash(img)
		if err != nil {
			return nil, err
		}
		return Digest{h.GetHash()}, nil
	case AHash:
		h, err := goimagehash.AverageHash(img)
		if err != nil {
			return nil, err
		}
		return Digest{h.GetHash()}, nil
	case TPHash:
		return tiledPHash(img)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
}

// tiledPHash concatenates the pHash of each quadrant, row-major.
func tiledPHash(img image.Image) (Digest, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, fmt.Errorf("image %dx%d too small to tile", b.Dx(), b.Dy())
	}
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)

	midX := b.Min.X + b.Dx()/2
	midY := b.Min.Y + b.Dy()/2
	tiles := []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, midX, midY),
		image.Rect(midX, b.Min.Y, b.Max.X, midY),
		image.Rect(b.Min.X, midY, midX, b.Max.Y),
		image.Rect(midX, midY, b.Max.X, b.Max.Y),
	}
	d := make(Digest, 0, len(tiles))
	for _, r := range tiles {
		h, err := goimagehash.PerceptionHash(rgba.SubImage(r))
		if err != nil {
			return nil, err
		}
		d = append(d, h.GetHash())
	}
	return d, nil
}

func containsFingerprint(list []Fingerprint, fp Fingerprint) bool {
	for _, f := range list {
		if f.Algorithm == fp.Algorithm && f.Digest.Equal(fp.Digest) {
			return true
		}
	}
	return false
}
