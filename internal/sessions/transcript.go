package sessions

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
)

// TranscriptLog writes a daily Markdown log of conversation turns under
// the vault's Chat directory, one file per day. The log is the human
// readable record next to sessions.db and feeds the context summary
// used when a runtime session cannot be resumed.
type TranscriptLog struct {
	dir string
	mu  sync.Mutex
}

// NewTranscriptLog creates a log writing to dir, typically <vault>/Chat.
func NewTranscriptLog(dir string) *TranscriptLog {
	return &TranscriptLog{dir: dir}
}

// Append writes a single turn to today's log file.
func (l *TranscriptLog) Append(sessionID string, source models.SessionSource, role, text string) error {
	return l.AppendAt(time.Now(), sessionID, source, role, text)
}

// AppendAt writes a turn stamped with the given time.
func (l *TranscriptLog) AppendAt(ts time.Time, sessionID string, source models.SessionSource, role, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create chat dir: %w", err)
	}

	filename := filepath.Join(l.dir, ts.Format("2006-01-02")+".md")
	line := formatTranscriptLine(ts, sessionID, source, role, text)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// ReadRecent returns up to maxLines turns for the session, scanning back
// the requested number of days including today.
func (l *TranscriptLog) ReadRecent(sessionID string, days, maxLines int) ([]string, error) {
	return l.ReadRecentAt(time.Now(), sessionID, days, maxLines)
}

// ReadRecentAt is ReadRecent with an explicit reference time.
func (l *TranscriptLog) ReadRecentAt(now time.Time, sessionID string, days, maxLines int) ([]string, error) {
	if days <= 0 {
		return nil, nil
	}
	if maxLines <= 0 {
		maxLines = 20
	}

	needle := ""
	if sessionID != "" {
		needle = fmt.Sprintf("/%s):", models.ShortSessionID(sessionID))
	}

	var lines []string
	for offset := days - 1; offset >= 0; offset-- {
		date := now.AddDate(0, 0, -offset).Format("2006-01-02")
		path := filepath.Join(l.dir, date+".md")
		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open transcript: %w", err)
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if needle != "" && !strings.Contains(line, needle) {
				continue
			}
			lines = append(lines, line)
		}
		if err := scanner.Err(); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("read transcript: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("close transcript: %w", err)
		}
	}

	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// Rotate removes log files older than the retention period. Disabled
// when retentionDays <= 0. Returns the number of files removed.
func (l *TranscriptLog) Rotate(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	return l.RotateAt(time.Now().AddDate(0, 0, -retentionDays))
}

// RotateAt removes log files dated before the cutoff.
func (l *TranscriptLog) RotateAt(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read chat dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := transcriptDate(entry.Name())
		if !ok {
			continue
		}
		if date.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
				return removed, fmt.Errorf("remove old transcript %s: %w", entry.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// ListDates returns the available log dates, most recent first.
func (l *TranscriptLog) ListDates() ([]time.Time, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chat dir: %w", err)
	}

	var dates []time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if date, ok := transcriptDate(entry.Name()); ok {
			dates = append(dates, date)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	return dates, nil
}

// Dir returns the directory the log writes to.
func (l *TranscriptLog) Dir() string {
	return l.dir
}

func transcriptDate(name string) (time.Time, bool) {
	if !strings.HasSuffix(name, ".md") {
		return time.Time{}, false
	}
	date, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".md"))
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

func formatTranscriptLine(ts time.Time, sessionID string, source models.SessionSource, role, text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\n", " ")
	sid := models.ShortSessionID(sessionID)
	if sid == "" {
		sid = "unknown"
	}
	return fmt.Sprintf("- [%s] %s (%s/%s): %s\n", ts.Format("15:04:05"), role, source, sid, text)
}
