package download

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// SanitizeWorkName keeps letters, digits, spaces, dashes and underscores and
// turns spaces into underscores so the name doubles as a folder.
func SanitizeWorkName(name string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkName, name)
	}
	return out, nil
}

// ChapterDir is the folder of a chapter relative to the work folder.
func ChapterDir(index int) string {
	return fmt.Sprintf("chapter_%04d", index)
}

// ImageFile names an image by its 1-based position and source extension.
func ImageFile(index int, rawURL string) string {
	return fmt.Sprintf("%03d%s", index, ImageExt(rawURL))
}

// ImagePath joins root, work, chapter and image into the final asset path.
func ImagePath(root, work string, chapter int, file string) string {
	return filepath.Join(root, work, ChapterDir(chapter), file)
}

// CoverPath is where the cover image of work is kept.
func CoverPath(root, work, rawURL string) string {
	return filepath.Join(root, work, "cover"+ImageExt(rawURL))
}

var knownExts = map[string]string{
	".jpg":  ".jpg",
	".jpeg": ".jpg",
	".png":  ".png",
	".webp": ".webp",
	".gif":  ".gif",
	".avif": ".avif",
	".bmp":  ".bmp",
}

// ImageExt returns the normalized extension of an image URL, defaulting to .jpg.
func ImageExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	if ext, ok := knownExts[strings.ToLower(path.Ext(u.Path))]; ok {
		return ext
	}
	return ".jpg"
}
