package sourcesync

import (
	"path"
	"regexp"
	"strings"
)

const (
	DefaultGroup  = "general"
	DefaultPeriod = "unassigned"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".m4v":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
	".wmv":  true,
	".mpg":  true,
	".mpeg": true,
}

// IsVideo reports whether name has a known video extension.
func IsVideo(name string) bool {
	return videoExtensions[strings.ToLower(path.Ext(name))]
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeSegment maps s to [A-Za-z0-9-_], collapsing runs of other
// characters into one dash.
func sanitizeSegment(s string) string {
	return strings.Trim(unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "-"), "-")
}

var unsafeFileName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeFileName keeps the extension and strips anything that could
// escape the target directory.
func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeFileName.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		return "file"
	}
	return name
}

// DeriveGroupPeriod returns the two folder segments directly below root in
// filePath, e.g. root /Clients and /Clients/Acme/2026-03/a.mp4 give
// ("Acme", "2026-03"). Matching is case-insensitive, as Dropbox paths are.
// Missing or empty segments fall back to DefaultGroup and DefaultPeriod.
func DeriveGroupPeriod(root, filePath string) (group, period string) {
	group, period = DefaultGroup, DefaultPeriod

	rel, ok := relativeTo(root, filePath)
	if !ok {
		return group, period
	}
	segments := strings.Split(rel, "/")
	folders := segments[:len(segments)-1] // last segment is the file

	if len(folders) > 0 {
		if g := sanitizeSegment(folders[0]); g != "" {
			group = g
		}
	}
	if len(folders) > 1 {
		if p := sanitizeSegment(folders[1]); p != "" {
			period = p
		}
	}
	return group, period
}

func relativeTo(root, filePath string) (string, bool) {
	root = strings.Trim(path.Clean("/"+root), "/")
	filePath = strings.Trim(path.Clean("/"+filePath), "/")
	if root == "" {
		return filePath, filePath != ""
	}
	if len(filePath) <= len(root) || !strings.EqualFold(filePath[:len(root)], root) || filePath[len(root)] != '/' {
		return "", false
	}
	return filePath[len(root)+1:], true
}

// mediaKey is the slash-separated key under the media root.
func mediaKey(group, period, fileName string) string {
	return group + "/" + period + "/" + fileName
}
