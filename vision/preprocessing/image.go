package preprocessing

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-reid/tensor"
)

// Channels is the number of channels every preprocessed image has.
const Channels = 3

// ImageProcessor decodes images and resizes them into [3,H,W] tensors with
// values in [0,1]. It reuses its resize buffer and is safe for concurrent
// use.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	height, width   int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(height, width int) (*ImageProcessor, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %dx%d", height, width)
	}
	return &ImageProcessor{height: height, width: width}, nil
}

// Size returns the target height and width.
func (p *ImageProcessor) Size() (height, width int) {
	return p.height, p.width
}

// DecodeAndPreprocess decodes a JPEG, PNG or BMP image and resizes it
// bilinearly. Returns data in CHW format (channels, height, width)
// normalized to [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*tensor.Tensor, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%s image is empty", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	target := p.tempImageBuffer
	draw.BiLinear.Scale(target, target.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := p.height * p.width
	data := make([]float64, Channels*plane)
	for y := 0; y < p.height; y++ {
		row := target.Pix[y*target.Stride:]
		for x := 0; x < p.width; x++ {
			idx := y*p.width + x
			px := row[x*4 : x*4+4]
			data[idx] = float64(px[0]) / 255.0
			data[plane+idx] = float64(px[1]) / 255.0
			data[2*plane+idx] = float64(px[2]) / 255.0
		}
	}

	return tensor.NewTensor([]int{Channels, p.height, p.width}, data)
}

// LoadFile opens path and preprocesses it.
func (p *ImageProcessor) LoadFile(path string) (*tensor.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// FlipHorizontal mirrors a [C,H,W] tensor left to right in place.
func FlipHorizontal(t *tensor.Tensor) error {
	if len(t.Shape) != 3 {
		return fmt.Errorf("expected a [C,H,W] tensor, got shape %v", t.Shape)
	}
	c, h, w := t.Shape[0], t.Shape[1], t.Shape[2]
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			row := t.Data[(ch*h+y)*w : (ch*h+y+1)*w]
			for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
	return nil
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(ctx context.Context, imagePaths []string, height, width int, maxWorkers int) ([]*tensor.Tensor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*tensor.Tensor, len(imagePaths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for i, path := range imagePaths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			processor, err := NewImageProcessor(height, width)
			if err != nil {
				return err
			}
			img, err := processor.LoadFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
