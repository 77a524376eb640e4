// Package media ingests message attachments into the vault. Incoming
// files land under Attachments/<yyyy-mm>/; oversized images are
// downscaled and re-encoded before they are handed to the agent.
package media

import (
	"path/filepath"
	"strings"
)

// Size limits applied at ingestion time.
const (
	MaxImageBytes    = 6 * 1024 * 1024
	MaxAudioBytes    = 16 * 1024 * 1024
	MaxDocumentBytes = 100 * 1024 * 1024
)

// Kind is the coarse media category of an attachment.
type Kind string

const (
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

var audioExtensions = map[string]bool{
	".aac":  true,
	".flac": true,
	".m4a":  true,
	".mp3":  true,
	".oga":  true,
	".ogg":  true,
	".opus": true,
	".wav":  true,
}

var videoExtensions = map[string]bool{
	".avi":  true,
	".mkv":  true,
	".mov":  true,
	".mp4":  true,
	".webm": true,
}

// KindFromFilename classifies an attachment by its extension. Anything
// unrecognized is treated as a document.
func KindFromFilename(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case imageExtensions[ext]:
		return KindImage
	case audioExtensions[ext]:
		return KindAudio
	case videoExtensions[ext]:
		return KindVideo
	default:
		return KindDocument
	}
}

// MaxBytesFor returns the ingestion size limit for a media kind.
func MaxBytesFor(kind Kind) int64 {
	switch kind {
	case KindImage:
		return MaxImageBytes
	case KindAudio, KindVideo:
		return MaxAudioBytes
	default:
		return MaxDocumentBytes
	}
}
