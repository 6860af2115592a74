package preprocessing

import (
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-emotionnet/tensor"
)

const (
	// DefaultResize is the shorter-edge size evaluation images are scaled to
	DefaultResize = 256
	// DefaultCropSize is the network input size
	DefaultCropSize = 224
)

var (
	// ImageNetMean is the per-channel mean of the backbone's training data
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	// ImageNetStd is the per-channel standard deviation
	ImageNetStd = [3]float64{0.229, 0.224, 0.225}
)

// ImageProcessor turns a decoded image into a normalized CHW tensor. With
// Augment unset it resizes the shorter edge to ResizeTo and center-crops;
// with Augment set it takes a random resized crop and a random horizontal
// flip.
type ImageProcessor struct {
	ResizeTo        int
	CropSize        int
	Augment         bool
	FlipProbability float64
	MinScale        float64 // smallest crop area fraction for random crops
	Mean            [3]float64
	Std             [3]float64
}

// NewEvalProcessor creates the deterministic pipeline: resize, center crop,
// to tensor, normalize
func NewEvalProcessor(resize, crop int) *ImageProcessor {
	return &ImageProcessor{
		ResizeTo: resize,
		CropSize: crop,
		Mean:     ImageNetMean,
		Std:      ImageNetStd,
	}
}

// NewTrainProcessor creates the augmenting pipeline: random resized crop,
// random horizontal flip, to tensor, normalize
func NewTrainProcessor(crop int) *ImageProcessor {
	return &ImageProcessor{
		CropSize:        crop,
		Augment:         true,
		FlipProbability: 0.5,
		MinScale:        0.08,
		Mean:            ImageNetMean,
		Std:             ImageNetStd,
	}
}

// Deterministic reports whether the output depends only on the input image
func (p *ImageProcessor) Deterministic() bool {
	return !p.Augment
}

// Process runs the pipeline. rng is only consulted when augmenting.
func (p *ImageProcessor) Process(img image.Image, rng *rand.Rand) (*tensor.Tensor, error) {
	if p.CropSize <= 0 {
		return nil, errors.Errorf("invalid crop size %d", p.CropSize)
	}
	var out *image.RGBA
	if p.Augment {
		if rng == nil {
			return nil, errors.New("augmenting pipeline needs a random source")
		}
		out = RandomResizedCrop(img, p.CropSize, p.MinScale, rng)
		if rng.Float64() < p.FlipProbability {
			out = HorizontalFlip(out)
		}
	} else {
		resized := img
		if p.ResizeTo > 0 {
			resized = Resize(img, p.ResizeTo)
		}
		var err error
		out, err = CenterCrop(resized, p.CropSize)
		if err != nil {
			return nil, err
		}
	}
	t := ToTensor(out)
	Normalize(t, p.Mean, p.Std)
	return t, nil
}

// DecodeAndPreprocess decodes any registered image format and runs the pipeline
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader, rng *rand.Rand) (*tensor.Tensor, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return p.Process(img, rng)
}

// ProcessFile loads path and runs the pipeline
func (p *ImageProcessor) ProcessFile(path string, rng *rand.Rand) (*tensor.Tensor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	t, err := p.Process(img, rng)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return t, nil
}

// LoadImage decodes a JPEG, PNG, GIF or BMP file
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return img, nil
}

// SaveImage encodes img in the format implied by the extension of path:
// PNG, GIF or BMP, and JPEG for anything else
func SaveImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create image")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, img)
	case ".gif":
		err = gif.Encode(f, img, nil)
	case ".bmp":
		err = bmp.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return errors.Wrap(f.Close(), "failed to write image")
}

// Resize scales img so its shorter edge equals size, keeping the aspect ratio
func Resize(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ow, oh := size, size
	if w < h {
		oh = int(float64(size) * float64(h) / float64(w))
	} else if h < w {
		ow = int(float64(size) * float64(w) / float64(h))
	}
	return scale(img, b, ow, oh)
}

// ScaleTo resizes img to exactly w x h, ignoring the aspect ratio
func ScaleTo(img image.Image, w, h int) *image.RGBA {
	return scale(img, img.Bounds(), w, h)
}

func scale(img image.Image, src image.Rectangle, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// CenterCrop cuts a size x size square from the middle of img
func CenterCrop(img image.Image, size int) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() < size || b.Dy() < size {
		return nil, errors.Errorf("image %dx%d smaller than crop %d", b.Dx(), b.Dy(), size)
	}
	top := int(math.Round(float64(b.Dy()-size) / 2))
	left := int(math.Round(float64(b.Dx()-size) / 2))
	return crop(img, image.Rect(left, top, left+size, top+size).Add(b.Min)), nil
}

// Crop copies region r of img into a new image anchored at the origin
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	return crop(img, r.Intersect(img.Bounds()))
}

func crop(img image.Image, r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// RandomResizedCrop picks a region covering [minScale, 1] of the area with
// an aspect ratio in [3/4, 4/3] and scales it to size x size. After 10
// failed draws it falls back to a center crop clamped to that ratio range.
func RandomResizedCrop(img image.Image, size int, minScale float64, rng *rand.Rand) *image.RGBA {
	if minScale <= 0 || minScale > 1 {
		minScale = 0.08
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	area := float64(w * h)
	logLow, logHigh := math.Log(3.0/4.0), math.Log(4.0/3.0)

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (minScale + rng.Float64()*(1-minScale))
		ratio := math.Exp(logLow + rng.Float64()*(logHigh-logLow))
		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			top := rng.Intn(h - ch + 1)
			left := rng.Intn(w - cw + 1)
			r := image.Rect(left, top, left+cw, top+ch).Add(b.Min)
			return scale(img, r, size, size)
		}
	}

	cw, ch := w, h
	inRatio := float64(w) / float64(h)
	if inRatio < 3.0/4.0 {
		ch = int(math.Round(float64(w) / (3.0 / 4.0)))
	} else if inRatio > 4.0/3.0 {
		cw = int(math.Round(float64(h) * (4.0 / 3.0)))
	}
	top := (h - ch) / 2
	left := (w - cw) / 2
	return scale(img, image.Rect(left, top, left+cw, top+ch).Add(b.Min), size, size)
}

// HorizontalFlip mirrors img left to right
func HorizontalFlip(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetRGBA(b.Dx()-1-x, y, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// ToTensor converts img to a [3, H, W] tensor with values in [0, 1]
func ToTensor(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.Zeros(3, h, w)
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			t.Data[i] = float64(c.R) / 255
			t.Data[plane+i] = float64(c.G) / 255
			t.Data[2*plane+i] = float64(c.B) / 255
		}
	}
	return t
}

// Normalize applies (x - mean) / std per channel in place
func Normalize(t *tensor.Tensor, mean, std [3]float64) {
	plane := t.Len() / 3
	for ch := 0; ch < 3; ch++ {
		data := t.Data[ch*plane : (ch+1)*plane]
		for i := range data {
			data[i] = (data[i] - mean[ch]) / std[ch]
		}
	}
}

// Solid returns a w x h image filled with c
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
