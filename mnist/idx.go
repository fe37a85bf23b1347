// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist downloads and parses the MNIST database of handwritten digits (or the
// Fashion-MNIST drop-in replacement) and serves it as GoMLX datasets.
//
// Files are the original gzip compressed IDX files, see http://yann.lecun.com/exdb/mnist/.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// Width and Height of the images.
	Width  = 28
	Height = 28

	// NumClasses is the number of labels: digits 0 to 9, or the 10 Fashion-MNIST clothing categories.
	NumClasses = 10

	// MaxExamples is the largest number of images or labels accepted in one file, checked before allocating.
	MaxExamples = 1_000_000

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Image is one MNIST image, one byte per pixel in row-major order. 0 is the background, 255 the foreground.
// It implements image.Image.
type Image [Width * Height]byte

var _ image.Image = (*Image)(nil)

// ColorModel implements image.Image.
func (img *Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements image.Image.
func (img *Image) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

// At implements image.Image.
func (img *Image) At(x, y int) color.Color { return color.Gray{Y: img[y*Width+x]} }

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// openGzip opens filePath and returns a gzip reader on it, and a function to close both.
func openGzip(filePath string) (r io.Reader, closeFn func(), err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	return gz, func() {
		_ = gz.Close()
		_ = f.Close()
	}, nil
}

// LoadImages parses a gzip IDX images file.
func LoadImages(filePath string) ([]Image, error) {
	r, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header imageFileHeader
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read images header from %q", filePath)
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("invalid images file %q: magic number 0x%08x, wanted 0x%08x", filePath, header.Magic, imageMagic)
	}
	if header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("invalid images file %q: images are %dx%d, wanted %dx%d",
			filePath, header.Width, header.Height, Width, Height)
	}
	if header.NumImages < 0 {
		return nil, errors.Errorf("invalid images file %q: negative number of images %d", filePath, header.NumImages)
	}
	if header.NumImages > MaxExamples {
		return nil, errors.Errorf("invalid images file %q: too many images %d, at most %d accepted",
			filePath, header.NumImages, MaxExamples)
	}
	images := make([]Image, header.NumImages)
	for ii := range images {
		if _, err = io.ReadFull(r, images[ii][:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d of %d from %q", ii, header.NumImages, filePath)
		}
	}
	return images, nil
}

// LoadLabels parses a gzip IDX labels file.
func LoadLabels(filePath string) ([]uint8, error) {
	r, closeFn, err := openGzip(filePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var header labelFileHeader
	if err = binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read labels header from %q", filePath)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("invalid labels file %q: magic number 0x%08x, wanted 0x%08x", filePath, header.Magic, labelMagic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid labels file %q: negative number of labels %d", filePath, header.NumLabels)
	}
	if header.NumLabels > MaxExamples {
		return nil, errors.Errorf("invalid labels file %q: too many labels %d, at most %d accepted",
			filePath, header.NumLabels, MaxExamples)
	}
	labels := make([]uint8, header.NumLabels)
	if _, err = io.ReadFull(r, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filePath)
	}
	for ii, label := range labels {
		if label >= NumClasses {
			return nil, errors.Errorf("invalid labels file %q: label #%d is %d, must be < %d", filePath, ii, label, NumClasses)
		}
	}
	return labels, nil
}

// Load parses the images and labels of the given split from dataDir.
func Load(dataDir string, split Split) (images []Image, labels []uint8, err error) {
	images, err = LoadImages(split.imagesPath(dataDir))
	if err != nil {
		return
	}
	labels, err = LoadLabels(split.labelsPath(dataDir))
	if err != nil {
		return
	}
	if len(images) != len(labels) {
		err = errors.Errorf("split %s in %q has %d images but %d labels", split, dataDir, len(images), len(labels))
	}
	return
}

// FashionLabels are the names of the Fashion-MNIST classes, indexed by label.
var FashionLabels = []string{
	"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat", "Sandal", "Shirt", "Sneaker", "Bag", "Ankle boot",
}

// LabelName returns the name of the label: the digit itself for MNIST, or the clothing category for Fashion-MNIST.
func LabelName(label int, fashion bool) string {
	if label < 0 || label >= NumClasses {
		return "invalid"
	}
	if fashion {
		return FashionLabels[label]
	}
	return strconv.Itoa(label)
}
