package persistence

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // decoders accepted as reference image input
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

const (
	DefaultMaxDimension = 1024
	DefaultJPEGQuality  = 85
	jpegContentType     = "image/jpeg"
)

// ImageEncoder turns a supplied reference image into its stored form.
type ImageEncoder func(ReferenceImage) (ReferenceImage, error)

// JPEGEncoder decodes the image, downscales it so neither side exceeds
// maxDimension and re-encodes it as JPEG. Stored width and height are the
// encoded pixel dimensions.
func JPEGEncoder(maxDimension, quality int) ImageEncoder {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return func(in ReferenceImage) (ReferenceImage, error) {
		src, _, err := image.Decode(bytes.NewReader(in.Data))
		if err != nil {
			return ReferenceImage{}, fmt.Errorf("decode reference image: %w", err)
		}
		dst := downscale(src, maxDimension)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
			return ReferenceImage{}, fmt.Errorf("encode reference image: %w", err)
		}
		b := dst.Bounds()
		return ReferenceImage{
			Data:        buf.Bytes(),
			ContentType: jpegContentType,
			Width:       b.Dx(),
			Height:      b.Dy(),
			WidthMeters: in.WidthMeters,
		}, nil
	}
}

func downscale(src image.Image, maxDimension int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDimension && h <= maxDimension {
		return src
	}
	if w >= h {
		h = max(1, h*maxDimension/w)
		w = maxDimension
	} else {
		w = max(1, w*maxDimension/h)
		h = maxDimension
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}
