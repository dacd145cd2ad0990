package normalize

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"math"

	// register decoders for the formats the photo host serves
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/tdeslauriers/muse/internal/util"
	"github.com/tdeslauriers/muse/pkg/api"

	redraw "golang.org/x/image/draw"
)

// Result is the outcome of normalizing one image for analysis: the payload to
// submit, plus the metadata read from the original bytes.
type Result struct {
	Bytes    []byte
	MimeType string

	// metadata from the original, best effort
	Exif *api.ExifMeta

	// true when the image was re-encoded (resized or recompressed)
	Reencoded bool

	// final jpeg quality used, zero when the original bytes passed through
	Quality int
}

// Normalizer prepares raw image bytes for submission to the vision model:
// orientation fix, dimension clamp, and byte budget enforcement.
type Normalizer interface {

	// Normalize returns analysis-ready bytes for the provided original image.
	Normalize(raw []byte, mimeType string) (*Result, error)

	// ReadMetadata extracts the EXIF subset kept on image records without
	// re-encoding anything, plus the orientation as rotation in degrees.
	ReadMetadata(raw []byte) (*api.ExifMeta, int)
}

// NewNormalizer creates an image normalizer, returning a pointer to the
// concrete implementation.
func NewNormalizer() Normalizer {
	return &normalizer{
		logger: slog.Default().
			With(slog.String(util.ServiceKey, util.ServiceCurator)).
			With(slog.String(util.PackageKey, util.PackageNormalize)).
			With(slog.String(util.ComponentKey, util.ComponentNormalizer)),
	}
}

var _ Normalizer = (*normalizer)(nil)

// normalizer is the concrete implementation of the Normalizer interface.
type normalizer struct {
	logger *slog.Logger
}

// Normalize is the concrete implementation of the interface method which
// returns analysis-ready bytes for the provided original image.
func (n *normalizer) Normalize(raw []byte, mimeType string) (*Result, error) {

	if len(raw) == 0 {
		return nil, fmt.Errorf("image bytes are required")
	}

	meta, rotation := n.ReadMetadata(raw)

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		// an undecodable image still goes to the model as-is; the upstream
		// will reject it if it truly cannot be read
		n.logger.Warn(fmt.Sprintf("image could not be decoded, passing original bytes through: %v", err))
		return &Result{Bytes: raw, MimeType: mimeType, Exif: meta}, nil
	}

	// apply the exif orientation so the model sees the image upright
	if rotation != 0 {
		src = rotateImage(src, rotation)
	}

	bounds := src.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}

	needsResize := longest > util.MaxAnalysisDimension
	withinBudget := len(raw) <= util.MaxAnalysisBytes

	// small enough and upright already -> the original bytes pass through
	if !needsResize && withinBudget && rotation == 0 {
		return &Result{Bytes: raw, MimeType: mimeType, Exif: meta}, nil
	}

	if needsResize {
		src = resizeToLongestSide(src, util.MaxAnalysisDimension)
	}

	quality := util.JpegQualityClamp
	encoded, err := encodeToJpeg(src, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode image: %v", err)
	}

	// step quality down until the payload fits the byte budget; the final
	// attempt is kept even if still over so the upstream makes the call
	if len(encoded) > util.MaxAnalysisBytes {
		for quality = util.JpegQualityBudget; ; quality -= util.JpegQualityStep {

			encoded, err = encodeToJpeg(src, quality)
			if err != nil {
				return nil, fmt.Errorf("failed to re-encode image at quality %d: %v", quality, err)
			}

			if len(encoded) <= util.MaxAnalysisBytes || quality <= util.JpegQualityFloor {
				break
			}
		}
	}

	if len(encoded) > util.MaxAnalysisBytes {
		n.logger.Warn(fmt.Sprintf("image still %d bytes over budget at quality %d, submitting anyway",
			len(encoded)-util.MaxAnalysisBytes, quality))
	}

	return &Result{
		Bytes:     encoded,
		MimeType:  "image/jpeg",
		Exif:      meta,
		Reencoded: true,
		Quality:   quality,
	}, nil
}

// ReadMetadata is the concrete implementation of the interface method which
// extracts the EXIF subset kept on image records.
func (n *normalizer) ReadMetadata(raw []byte) (*api.ExifMeta, int) {
	return readExif(raw)
}

// resizeToLongestSide resizes an image to fit within the specified longest
// side length, maintaining the aspect ratio.  If the image is already smaller
// than the target size, it returns the original image.
func resizeToLongestSide(src image.Image, target int) image.Image {

	// get original dimensions
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return src // return original image if invalid dimensions
	}

	// determine the longest side
	longest := w
	if h > w {
		longest = h
	}

	// validate resizing is necessary
	if longest <= target {
		return src // return original image if already smaller than target longest side
	}

	// calculate the new width and height to maintain aspect ratio
	scale := float64(target) / float64(longest)
	dstWidth := int(math.Round(float64(w) * scale))
	dstHeight := int(math.Round(float64(h) * scale))

	// create a new image with the new dimensions
	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	redraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, redraw.Over, nil)

	return dst
}

// encodeToJpeg is a helper method which encodes the provided image to JPEG
// format with the specified quality and returns the encoded bytes.
func encodeToJpeg(src image.Image, quality int) ([]byte, error) {

	// validate quality
	if quality < 1 || quality > 100 {
		quality = util.JpegQualityBudget // set to default if invalid
	}

	// check if image has an alpha channel
	if hasAlphaChannel(src) {
		// flatten the image on a white background to remove transparency
		src = flattenOnWhite(src)
	}

	// encode the image to JPEG format
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: clamp(quality, 1, 100)}); err != nil {
		return nil, fmt.Errorf("failed to encode image to JPEG: %v", err)
	}

	return buf.Bytes(), nil
}

// hasAlphaChannel checks if the provided image has an alpha channel
func hasAlphaChannel(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64, *image.Alpha, *image.Alpha16:
		return true
	default:
		// treat images without the above as not having an alpha channel by default
		return false
	}
}

// flattenOnWhite flattens an image with an alpha channel onto a white background, ie,
// it removes transparency by compositing the image over a white canvas.
func flattenOnWhite(src image.Image) image.Image {

	// get image bounds
	bounds := src.Bounds()

	dst := image.NewRGBA(bounds)

	// fill white into the destination image
	draw.Draw(dst, bounds, &image.Uniform{C: image.White}, image.Point{}, draw.Src)

	// composite the source image over the white background
	draw.Draw(dst, bounds, src, bounds.Min, draw.Over)

	return dst
}

// clamp is a helper function which ensures a value is within the min and max bounds.
func clamp(v, min, max int) int {

	if v < min {
		return min
	}
	if v > max {
		return max
	}

	return v
}
