package crawler

import (
	"crypto/md5" //nolint:gosec // short content-addressed names, not a security boundary
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

const documentExt = ".pdf"

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// SafeFilename derives a stable filesystem name for a document URL.
func SafeFilename(raw string) string {
	name := raw
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "?"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" || !strings.Contains(name, ".") {
		name = "document_" + shortHash(raw) + documentExt
	}
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	if !strings.HasSuffix(strings.ToLower(name), documentExt) {
		name += documentExt
	}
	return name
}

// ProcessingTaskID is the deterministic id of the processing descriptor for
// a downloaded document.
func ProcessingTaskID(sourceURL string) string {
	return "crawl_process_" + shortHash(sourceURL)
}

func shortHash(raw string) string {
	sum := md5.Sum([]byte(raw)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])[:8]
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
