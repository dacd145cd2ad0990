package normalize

import (
	"bytes"
	"image"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/tdeslauriers/muse/pkg/api"
)

// readExif extracts the EXIF subset this service keeps on image records, plus
// the orientation as rotation in degrees.  Not all formats carry EXIF: jpeg
// and tiff usually do, png and gif usually do not.  Missing metadata returns
// an empty struct, never an error.
func readExif(raw []byte) (*api.ExifMeta, int) {

	meta := &api.ExifMeta{}
	rotation := 0

	if x, err := exif.Decode(bytes.NewReader(raw)); err == nil && x != nil {

		// best effort date time -> DateTimeOriginal, DateTimeDigitized, DateTime
		if datetime, err := x.DateTime(); err == nil {
			meta.TakenAt = &datetime
		}

		// orientation converted to rotation in degrees
		if orientation, ok := tagToInt(exif.Orientation, x); ok {
			rotation = convertToDegrees(orientation)
		}

		// gps coordinates will not be present in most images
		if lat, lon, err := x.LatLong(); err == nil {
			meta.Latitude = lat
			meta.Longitude = lon
		}

		// pixel dimensions
		if width, ok := tagToInt(exif.PixelXDimension, x); ok {
			meta.Width = width
		}

		if height, ok := tagToInt(exif.PixelYDimension, x); ok {
			meta.Height = height
		}
	}

	// fall back to the image config for dimensions when exif is absent
	if meta.Width == 0 || meta.Height == 0 {
		if config, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
			meta.Width = config.Width
			meta.Height = config.Height
		}
	}

	return meta, rotation
}

// tagToInt is a helper to convert exif tag values to ints
func tagToInt(tag exif.FieldName, x *exif.Exif) (int, bool) {

	if t, err := x.Get(tag); err == nil && t != nil {

		if i, err := t.Int(0); err == nil {
			return i, true
		}

		if num, den, err := t.Rat2(0); err == nil && den != 0 {
			return int(num / den), true
		}
	}

	return 0, false
}

// convertToDegrees converts EXIF orientation values to rotation in degrees.
func convertToDegrees(orientation int) int {
	// exif orientation -> rotation (clockwise).
	// mirror cases map to equivalent rotations here.
	switch orientation {
	case 1: // normal
		return 0
	case 2: // mirror horizontal
		return 0
	case 3: // rotate 180
		return 180
	case 4: // mirror vertical
		return 180
	case 5: // mirror horizontal + rotate 270 clockwise
		return 270
	case 6: // rotate 90 clockwise
		return 90
	case 7: // mirror horizontal + rotate 90 clockwise
		return 90
	case 8: // rotate 270 clockwise
		return 270
	default:
		return 0
	}
}

// rotateImage rotates an image based on the provided rotation in degrees.
func rotateImage(src image.Image, degrees int) image.Image {
	switch ((degrees % 360) + 360) % 360 { // normalize degrees to [0, 360) -> accounts for negative degrees
	case 0:
		return src // no rotation needed
	case 90:
		return rotate90(src)
	case 180:
		return rotate180(src)
	case 270:
		return rotate270(src)
	default:
		return src // unsupported rotation, return original
	}
}

// rotate90 is a helper function to rotate an image 90 degrees clockwise.
func rotate90(src image.Image) image.Image {

	// get image bounds
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(h-1-y, x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	return dst
}

// rotate180 is a helper function to rotate an image 180 degrees.
func rotate180(src image.Image) image.Image {

	// get image bounds
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, h-1-y, src.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}

	return dst
}

// rotate270 is a helper function to rotate an image 270 degrees clockwise.
func rotate270(src image.Image) image.Image {

	// get image bounds
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(y, w-1-x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	return dst
}
