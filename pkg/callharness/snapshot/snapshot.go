// Package snapshot stores baseline screenshots and compares new captures
// against them with per-pixel colour tolerance.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrBaselineCreated is returned when no baseline existed; the capture was
// written as the new baseline and the comparison is considered failed.
var ErrBaselineCreated = errors.New("snapshot: baseline did not exist, wrote actual")

// Options control comparison tolerance.
type Options struct {
	// Threshold is the per-pixel colour distance (0..1) under which two
	// pixels count as equal. Default: 0.3
	Threshold float64
	// MaxDiffPixelRatio is the share of differing pixels tolerated. Default: 0.2
	MaxDiffPixelRatio float64
}

// DefaultOptions matches the tolerances used for video-grid comparisons.
func DefaultOptions() Options {
	return Options{Threshold: 0.3, MaxDiffPixelRatio: 0.2}
}

// Store keeps baselines under Dir as <name>-<platform>.png.
type Store struct {
	Dir     string
	Options Options
	// Update overwrites baselines instead of comparing.
	Update bool
	// Platform defaults to runtime.GOOS.
	Platform string
}

// NewStore creates a store rooted at dir with default tolerances.
func NewStore(dir string) *Store {
	return &Store{Dir: dir, Options: DefaultOptions()}
}

// MismatchError reports a failed comparison.
type MismatchError struct {
	Name       string
	DiffPixels int
	Total      int
	Allowed    float64
	SizeDiffer bool
	ActualPath string
}

func (e *MismatchError) Error() string {
	if e.SizeDiffer {
		return fmt.Sprintf("snapshot %s: image size differs from baseline (actual saved to %s)", e.Name, e.ActualPath)
	}
	return fmt.Sprintf("snapshot %s: %d of %d pixels differ (%.3f > %.3f allowed, actual saved to %s)",
		e.Name, e.DiffPixels, e.Total, float64(e.DiffPixels)/float64(e.Total), e.Allowed, e.ActualPath)
}

// Path returns the baseline file for name.
func (s *Store) Path(name string) string {
	platform := s.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	name = strings.TrimSuffix(name, ".png")
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%s.png", name, platform))
}

// Compare checks actual (PNG bytes) against the baseline called name.
func (s *Store) Compare(name string, actual []byte) error {
	path := s.Path(name)

	if s.Update {
		return writeFile(path, actual)
	}

	baseline, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeFile(path, actual); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrBaselineCreated, path)
	}
	if err != nil {
		return fmt.Errorf("failed to read baseline %s: %w", path, err)
	}

	want, err := png.Decode(bytes.NewReader(baseline))
	if err != nil {
		return fmt.Errorf("failed to decode baseline %s: %w", path, err)
	}
	got, err := png.Decode(bytes.NewReader(actual))
	if err != nil {
		return fmt.Errorf("failed to decode capture for %s: %w", name, err)
	}

	opts := s.Options
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultOptions().Threshold
	}

	actualPath := strings.TrimSuffix(path, ".png") + "-actual.png"
	if want.Bounds().Size() != got.Bounds().Size() {
		if err := writeFile(actualPath, actual); err != nil {
			return err
		}
		return &MismatchError{Name: name, SizeDiffer: true, ActualPath: actualPath}
	}

	diff, total := DiffPixels(want, got, opts.Threshold)
	if float64(diff) > opts.MaxDiffPixelRatio*float64(total) {
		if err := writeFile(actualPath, actual); err != nil {
			return err
		}
		return &MismatchError{Name: name, DiffPixels: diff, Total: total, Allowed: opts.MaxDiffPixelRatio, ActualPath: actualPath}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	return nil
}

// maxYIQDelta is the largest possible squared YIQ distance between two colours.
const maxYIQDelta = 35215.0

// DiffPixels counts pixels whose YIQ colour distance exceeds threshold.
// a and b must have the same size.
func DiffPixels(a, b image.Image, threshold float64) (diff, total int) {
	ab, bb := a.Bounds(), b.Bounds()
	limit := maxYIQDelta * threshold * threshold
	w, h := ab.Dx(), ab.Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if colorDelta(a.At(ab.Min.X+x, ab.Min.Y+y).RGBA, b.At(bb.Min.X+x, bb.Min.Y+y).RGBA) > limit {
				diff++
			}
		}
	}
	return diff, w * h
}

// colorDelta is the perceptual YIQ distance after blending both pixels over
// white, so transparent regions compare by what is actually seen.
func colorDelta(ca, cb func() (r, g, b, a uint32)) float64 {
	r1, g1, b1 := blend(ca())
	r2, g2, b2 := blend(cb())
	if r1 == r2 && g1 == g2 && b1 == b2 {
		return 0
	}
	y := rgb2y(r1, g1, b1) - rgb2y(r2, g2, b2)
	i := rgb2i(r1, g1, b1) - rgb2i(r2, g2, b2)
	q := rgb2q(r1, g1, b1) - rgb2q(r2, g2, b2)
	return 0.5053*y*y + 0.299*i*i + 0.1957*q*q
}

func blend(r, g, b, a uint32) (float64, float64, float64) {
	// RGBA() is alpha-premultiplied 16-bit.
	alpha := float64(a) / 0xffff
	white := 255 * (1 - alpha)
	return float64(r)/257 + white, float64(g)/257 + white, float64(b)/257 + white
}

func rgb2y(r, g, b float64) float64 { return r*0.29889531 + g*0.58662247 + b*0.11448223 }
func rgb2i(r, g, b float64) float64 { return r*0.59597799 - g*0.27417610 - b*0.32180189 }
func rgb2q(r, g, b float64) float64 { return r*0.21147017 - g*0.52261711 + b*0.31114694 }
