package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parachute-dev/parachute/internal/vault"
)

// Store writes attachments into the vault's Attachments directory,
// bucketed by month. Images are normalized before landing on disk.
type Store struct {
	vlt    *vault.Vault
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an attachment store backed by the given vault.
func NewStore(vlt *vault.Vault, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		vlt:    vlt,
		logger: logger.With("component", "media"),
		now:    time.Now,
	}
}

// Save ingests one attachment and returns its vault-relative path.
// Oversized payloads are rejected; images larger than 2048 px on
// either axis are downscaled and re-encoded as JPEG.
func (s *Store) Save(ctx context.Context, r io.Reader, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := sanitizeFilename(filename)
	kind := KindFromFilename(name)
	limit := MaxBytesFor(kind)

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("reading attachment %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("attachment %s exceeds %d byte limit", name, limit)
	}

	if kind == KindImage {
		normalized, newName, nerr := normalizeImage(data, name)
		if nerr != nil {
			s.logger.Warn("image normalization failed, storing original",
				"file", name, "error", nerr)
		} else {
			data, name = normalized, newName
		}
	}

	dir := filepath.Join(s.vlt.AttachmentsDir(), s.now().UTC().Format("2006-01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating attachments dir: %w", err)
	}

	dest := uniquePath(dir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("writing attachment: %w", err)
	}

	rel := s.vlt.Relativize(dest)
	s.logger.Debug("attachment saved", "path", rel, "bytes", len(data), "kind", string(kind))
	return rel, nil
}

// sanitizeFilename strips directory components and characters that do
// not belong in a vault path. An empty result becomes "attachment".
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := strings.Trim(b.String(), ". ")
	if cleaned == "" || cleaned == strings.Repeat("_", len(cleaned)) {
		return "attachment"
	}
	return cleaned
}

// uniquePath returns dir/name, suffixing -1, -2, ... before the
// extension when the name is already taken.
func uniquePath(dir, name string) string {
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, i, ext))
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			return dest
		}
	}
}
