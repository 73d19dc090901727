package output

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/tiff"

	"spectracam/internal/frame"
	"spectracam/internal/types"
)

// RegionRow is one line of regions.csv.
type RegionRow struct {
	Region    int
	Rect      types.Rect
	Intensity types.Intensity
}

// CaptureSet is everything a saved capture writes. Nil frames are skipped.
type CaptureSet struct {
	Entire    *frame.Frame
	Stitched  *frame.Frame
	Originals []*frame.Frame
	Processed []*frame.Frame
	Regions   []RegionRow
}

// CaptureDirName formats the per-capture directory name.
func CaptureDirName(ts time.Time) string {
	return "Capture_" + ts.Format("20060102_150405")
}

// WriteCaptureSet writes set under root/Capture_<timestamp>/ and returns the
// directory path.
func WriteCaptureSet(root string, ts time.Time, set CaptureSet) (string, error) {
	dir := filepath.Join(root, CaptureDirName(ts))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if set.Entire != nil {
		if err := WriteTIFF(filepath.Join(dir, "full_original.tif"), set.Entire); err != nil {
			return dir, err
		}
	}
	if set.Stitched != nil {
		if err := WriteTIFF(filepath.Join(dir, "stitched.tif"), set.Stitched); err != nil {
			return dir, err
		}
	}
	for i, f := range set.Originals {
		if f == nil {
			continue
		}
		if err := WriteTIFF(filepath.Join(dir, fmt.Sprintf("orig_tile_%02d.tif", i)), f); err != nil {
			return dir, err
		}
	}
	for i, f := range set.Processed {
		if f == nil {
			continue
		}
		if err := WriteTIFF(filepath.Join(dir, fmt.Sprintf("proc_tile_%02d.tif", i)), f); err != nil {
			return dir, err
		}
	}
	if len(set.Regions) > 0 {
		if err := writeRegions(filepath.Join(dir, "regions.csv"), set.Regions); err != nil {
			return dir, err
		}
	}
	return dir, nil
}

// WriteTIFF writes f as an uncompressed 8-bit grayscale TIFF.
func WriteTIFF(path string, f *frame.Frame) error {
	if f == nil || f.Released() {
		return frame.ErrReleased
	}
	return writeImage(path, f.Gray())
}

func writeImage(path string, img image.Image) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		_ = out.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeRegions(path string, rows []RegionRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	_, _ = fmt.Fprintln(w, "region, x, y, width, height, wavelength, mean, stddev")
	for _, row := range rows {
		_, _ = fmt.Fprintf(
			w,
			"%d, %d, %d, %d, %d, %d, %d, %d\n",
			row.Region,
			row.Rect.X,
			row.Rect.Y,
			row.Rect.Width,
			row.Rect.Height,
			row.Intensity.Wavelength,
			row.Intensity.Mean,
			row.Intensity.StdDev,
		)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
