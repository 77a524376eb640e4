package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parachute-dev/parachute/internal/vault"
)

func testStore(t *testing.T) (*Store, *vault.Vault) {
	t.Helper()
	v, err := vault.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("opening vault: %v", err)
	}
	return NewStore(v, nil), v
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 100 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func TestSaveDocument(t *testing.T) {
	s, v := testStore(t)

	rel, err := s.Save(context.Background(), strings.NewReader("hello"), "notes.txt")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(rel, "Attachments/") {
		t.Errorf("expected vault-relative Attachments path, got %q", rel)
	}
	data, err := os.ReadFile(v.Abs(rel))
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestSaveSmallImageKeepsFormat(t *testing.T) {
	s, v := testStore(t)

	rel, err := s.Save(context.Background(), bytes.NewReader(pngBytes(t, 640, 480)), "photo.png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Ext(rel) != ".png" {
		t.Errorf("small image should keep its format, got %q", rel)
	}
	cfg, err := decodeConfigFile(v.Abs(rel))
	if err != nil {
		t.Fatalf("probing saved image: %v", err)
	}
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Errorf("dimensions changed: %dx%d", cfg.Width, cfg.Height)
	}
}

func TestSaveLargeImageDownscaled(t *testing.T) {
	s, v := testStore(t)

	rel, err := s.Save(context.Background(), bytes.NewReader(pngBytes(t, 4096, 1024)), "pano.png")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Ext(rel) != ".jpg" {
		t.Errorf("downscaled image should be re-encoded as jpeg, got %q", rel)
	}
	cfg, err := decodeConfigFile(v.Abs(rel))
	if err != nil {
		t.Fatalf("probing saved image: %v", err)
	}
	if cfg.Width != 2048 {
		t.Errorf("longer edge should be %d, got %d", maxImageDim, cfg.Width)
	}
	if cfg.Height != 512 {
		t.Errorf("aspect ratio not preserved: height %d", cfg.Height)
	}
}

func TestSaveRejectsOversize(t *testing.T) {
	s, _ := testStore(t)

	big := bytes.Repeat([]byte{0xff}, MaxImageBytes+1)
	if _, err := s.Save(context.Background(), bytes.NewReader(big), "huge.jpg"); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestSaveCollisionSuffix(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, strings.NewReader("a"), "dup.txt")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	second, err := s.Save(ctx, strings.NewReader("b"), "dup.txt")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if first == second {
		t.Errorf("colliding names should get distinct paths, both %q", first)
	}
	if !strings.HasSuffix(second, "dup-1.txt") {
		t.Errorf("expected -1 suffix, got %q", second)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":  "passwd",
		"a b.png":           "a b.png",
		"weird\x00name.txt": "weird_name.txt",
		"":                  "attachment",
		"...":               "attachment",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindFromFilename(t *testing.T) {
	cases := map[string]Kind{
		"a.jpg":  KindImage,
		"a.webp": KindImage,
		"a.ogg":  KindAudio,
		"a.mp4":  KindVideo,
		"a.pdf":  KindDocument,
		"a":      KindDocument,
	}
	for name, want := range cases {
		if got := KindFromFilename(name); got != want {
			t.Errorf("KindFromFilename(%q) = %q, want %q", name, got, want)
		}
	}
}

func decodeConfigFile(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	return cfg, err
}
