package contextbuilder

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"golang.org/x/image/draw"

	"github.com/haasonsaas/nexus/pkg/models"
)

// maxImageDimension bounds both width and height of any image block sent
// to the provider.
const maxImageDimension = 1024

// maxEncodedImageBytes caps the re-encoded JPEG payload; quality is stepped
// down until the encoding fits or minJPEGQuality is reached.
const maxEncodedImageBytes = 200 * 1024

const (
	startJPEGQuality = 85
	minJPEGQuality   = 30
	jpegQualityStep  = 10
)

// oversizedRawMultiple is how many times over maxEncodedImageBytes a raw
// attachment may be before an undecodable image is dropped rather than
// passed through untouched.
const oversizedRawMultiple = 3

// recompressAttachments downsizes any inline data-URL image block that
// exceeds maxImageDimension on either axis, re-encoding it as PNG. Blocks
// that fail to decode (unsupported format, corrupt data, or a remote URL
// rather than inline data) are left untouched; dropped counts how many
// blocks could not be processed and were stripped instead, so a turn never
// silently ships a malformed multi-megabyte block to the provider.
func recompressAttachments(messages []models.Message) ([]models.Message, int) {
	dropped := 0
	out := make([]models.Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		blocks, ok := m.Blocks()
		if !ok {
			continue
		}
		changed := false
		kept := blocks[:0]
		for _, b := range blocks {
			if b.Type != models.ContentImageURL {
				kept = append(kept, b)
				continue
			}
			resized, shrunk, err := processImageBlock(b.ImageURL)
			if err != nil {
				dropped++
				changed = true
				continue
			}
			if shrunk {
				b.ImageURL = resized
				changed = true
			}
			kept = append(kept, b)
		}
		if changed {
			raw, err := json.Marshal(kept)
			if err == nil {
				out[i].Content = raw
			}
		}
	}

	return out, dropped
}

// processImageBlock normalizes one image_url block: inline data URLs are
// recompressed in place, local file paths are loaded and converted to an
// inline JPEG data URL, and remote URLs are left for the provider layer to
// fetch or reject.
func processImageBlock(url string) (string, bool, error) {
	if strings.HasPrefix(url, "data:") {
		return recompressImageURL(url)
	}
	if strings.Contains(url, "://") {
		return url, false, nil
	}
	data, err := os.ReadFile(url)
	if err != nil {
		return url, false, fmt.Errorf("contextbuilder: read image file: %w", err)
	}
	return recompressImageBytes(data)
}

// recompressImageURL decodes a "data:<mime>;base64,<data>" URL, resizes it
// down to maxImageDimension if needed, and re-encodes as JPEG, stepping the
// quality down until the payload fits maxEncodedImageBytes or quality
// bottoms out at minJPEGQuality. shrunk is false (and url is the unmodified
// input) when the image was already within both bounds.
func recompressImageURL(url string) (out string, shrunk bool, err error) {
	data, ok := decodeDataURL(url)
	if !ok {
		return url, false, fmt.Errorf("contextbuilder: not an inline data URL")
	}
	out, shrunk, err = recompressImageBytes(data)
	if err != nil {
		return url, false, err
	}
	if !shrunk {
		return url, false, nil
	}
	return out, true, nil
}

// recompressImageBytes is the shared core: decode, bound the dimensions,
// and re-encode as JPEG under the size cap. shrunk reports whether the
// returned data URL differs from a straight encoding of the input.
func recompressImageBytes(data []byte) (out string, shrunk bool, err error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if len(data) > oversizedRawMultiple*maxEncodedImageBytes {
			return "", false, fmt.Errorf("contextbuilder: undecodable oversized image: %w", err)
		}
		// Small enough to pass through even though we can't process it.
		return "", false, nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxImageDimension && height <= maxImageDimension && len(data) <= maxEncodedImageBytes {
		return "", false, nil
	}
	if width > maxImageDimension || height > maxImageDimension {
		img = resizeImage(img, maxImageDimension)
	}

	var buf bytes.Buffer
	for quality := startJPEGQuality; ; quality -= jpegQualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", false, fmt.Errorf("contextbuilder: encode image: %w", err)
		}
		if buf.Len() <= maxEncodedImageBytes || quality-jpegQualityStep < minJPEGQuality {
			break
		}
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return "data:image/jpeg;base64," + encoded, true, nil
}

func resizeImage(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = height * maxSize / width
	} else {
		newHeight = maxSize
		newWidth = width * maxSize / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func decodeDataURL(url string) ([]byte, bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return nil, false
	}
	comma := strings.IndexByte(url, ',')
	if comma < 0 {
		return nil, false
	}
	meta := url[len(prefix):comma]
	if !strings.Contains(meta, "base64") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(url[comma+1:])
	if err != nil {
		return nil, false
	}
	return data, true
}
