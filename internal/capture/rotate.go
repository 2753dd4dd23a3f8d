package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/spf13/afero"
)

// rotate turns the image at path clockwise by deg (90, 180 or 270), in place.
func (e *Executor) rotate(ctx context.Context, cfg Config, path string, deg int) error {
	useConvert := cfg.RotateWith == "convert"
	if cfg.RotateWith == "auto" {
		_, err := e.lookPath("convert")
		useConvert = err == nil
	}
	if useConvert {
		bin, err := e.lookPath("convert")
		if err != nil {
			return fmt.Errorf("convert not available: %w", err)
		}
		if out, err := e.runner.Run(ctx, bin, path, "-rotate", strconv.Itoa(deg), path); err != nil {
			return fmt.Errorf("convert: %v: %s", err, bytes.TrimSpace(out))
		}
		return nil
	}
	return rotateBuiltin(e.fs, path, deg)
}

// rotateBuiltin re-encodes the JPEG with the pixels rotated clockwise.
func rotateBuiltin(fs afero.Fs, path string, deg int) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	// imaging rotates counter-clockwise.
	var rotated image.Image
	switch deg {
	case 90:
		rotated = imaging.Rotate270(img)
	case 180:
		rotated = imaging.Rotate180(img)
	case 270:
		rotated = imaging.Rotate90(img)
	default:
		return fmt.Errorf("unsupported rotation %d", deg)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, rotated, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}
