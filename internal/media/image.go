package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxImageDim is the largest edge an ingested image may keep. Anything
// bigger gets scaled down so agent-side vision calls stay cheap.
const maxImageDim = 2048

const jpegQuality = 85

// normalizeImage decodes data, downscales it when either dimension
// exceeds maxImageDim, and re-encodes the result as JPEG. Images
// already within bounds are returned untouched.
func normalizeImage(data []byte, name string) ([]byte, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("probing image: %w", err)
	}
	if cfg.Width <= maxImageDim && cfg.Height <= maxImageDim {
		return data, name, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}

	w, h := scaledDims(cfg.Width, cfg.Height)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("encoding image: %w", err)
	}

	base := strings.TrimSuffix(name, pathExt(name))
	return buf.Bytes(), base + ".jpg", nil
}

// scaledDims shrinks (w, h) proportionally so the longer edge equals
// maxImageDim.
func scaledDims(w, h int) (int, int) {
	if w >= h {
		return maxImageDim, max(1, h*maxImageDim/w)
	}
	return max(1, w*maxImageDim/h), maxImageDim
}

func pathExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}
