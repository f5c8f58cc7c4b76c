package derive

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	contactSheetColumns   = 4
	contactSheetCellWidth = 320
	contactSheetGap       = 4
)

var errNoThumbnails = errors.New("no thumbnails to compose")

// listThumbnails returns the .jpg files inside of dir, sorted lexicographically.
// A missing or unreadable directory yields an empty list.
func listThumbnails(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".jpg") {
			continue
		}

		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	sort.Strings(paths)
	return paths
}

// composeContactSheet arranges the thumbnails in to a grid, in order, and
// saves the result as a JPEG at outputPath. Each cell is sized to fit the
// largest thumbnail once scaled to the cell width.
func composeContactSheet(thumbnails []string, outputPath string) error {
	if len(thumbnails) == 0 {
		return errNoThumbnails
	}

	frames := make([]image.Image, 0, len(thumbnails))
	cellHeight := 0
	for _, path := range thumbnails {
		frame, err := imaging.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open thumbnail %s: %w", path, err)
		}

		frame = imaging.Resize(frame, contactSheetCellWidth, 0, imaging.Lanczos)
		cellHeight = max(cellHeight, frame.Bounds().Dy())
		frames = append(frames, frame)
	}

	columns := min(contactSheetColumns, len(frames))
	rows := (len(frames) + columns - 1) / columns
	width := columns*contactSheetCellWidth + (columns+1)*contactSheetGap
	height := rows*cellHeight + (rows+1)*contactSheetGap

	sheet := imaging.New(width, height, color.Black)
	for i, frame := range frames {
		x := contactSheetGap + (i%columns)*(contactSheetCellWidth+contactSheetGap)
		y := contactSheetGap + (i/columns)*(cellHeight+contactSheetGap)
		sheet = imaging.Paste(sheet, frame, image.Pt(x, y))
	}

	return imaging.Save(sheet, outputPath, imaging.JPEGQuality(85))
}
