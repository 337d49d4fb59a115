// Package capture records model traffic to disk so a turn can be replayed
// later with `canvasmate turn FILE`.
package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Recorder writes captures under <dir>/<session>/. A nil Recorder records
// nothing.
type Recorder struct {
	sessionDir string
	seq        atomic.Uint64
}

// New returns a recorder for dir, or nil when dir is empty.
func New(dir string) *Recorder {
	if dir == "" {
		return nil
	}
	return &Recorder{sessionDir: filepath.Join(dir, time.Now().Format("20060102-150405"))}
}

// Enabled reports whether captures are written.
func (r *Recorder) Enabled() bool {
	return r != nil
}

// Dir is the session directory captures land in.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.sessionDir
}

// writeFile stores data as <category>-<seq>.<ext>. Failures are logged and
// otherwise ignored.
func (r *Recorder) writeFile(category, ext string, data []byte) string {
	if r == nil {
		return ""
	}

	seq := r.seq.Add(1)
	if err := os.MkdirAll(r.sessionDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", r.sessionDir).Msg("capture: failed to create directory")
		return ""
	}

	filename := fmt.Sprintf("%s-%04d.%s", unsafeChars.ReplaceAllString(category, "_"), seq, ext)
	path := filepath.Join(r.sessionDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("capture: failed to write file")
		return ""
	}

	log.Debug().Str("path", path).Msg("capture: wrote file")
	return path
}

// WriteJSON marshals the payload to indented JSON and stores it.
func (r *Recorder) WriteJSON(category string, payload interface{}) string {
	if r == nil {
		return ""
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Warn().Err(err).Str("category", category).Msg("capture: failed to marshal payload")
		return ""
	}

	return r.writeFile(category, "json", data)
}

// WriteBlob stores arbitrary bytes using the provided extension.
func (r *Recorder) WriteBlob(category, ext string, data []byte) string {
	return r.writeFile(category, ext, data)
}
