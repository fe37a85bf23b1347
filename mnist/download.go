// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DigitsURL is the mirror of the original handwritten digits MNIST.
	DigitsURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

	// FashionURL serves Fashion-MNIST, using the same file names as MNIST.
	FashionURL = "http://fashion-mnist.s3-website.eu-central-1.amazonaws.com/"

	// ParamFashion is the context hyperparameter recording whether the model was trained on Fashion-MNIST.
	ParamFashion = "mnist_fashion"
)

// Split of the dataset.
type Split int

const (
	Train Split = iota
	Test
)

var splitFiles = map[Split][2]string{
	Train: {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	Test:  {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

// String implements fmt.Stringer.
func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("Split(%d)", int(s))
	}
}

func (s Split) imagesPath(dataDir string) string { return filepath.Join(dataDir, splitFiles[s][0]) }
func (s Split) labelsPath(dataDir string) string { return filepath.Join(dataDir, splitFiles[s][1]) }

// Files returns the names of the four files of the dataset.
func Files() []string {
	return []string{splitFiles[Train][0], splitFiles[Train][1], splitFiles[Test][0], splitFiles[Test][1]}
}

// Download the dataset files to dataDir, if they are not there yet.
// If fashion is true it downloads Fashion-MNIST instead.
func Download(dataDir string, fashion bool) error {
	baseURL := DigitsURL
	if fashion {
		baseURL = FashionURL
	}
	return DownloadFrom(baseURL, dataDir)
}

// DownloadFrom downloads the dataset files from baseURL to dataDir, skipping the files already present.
func DownloadFrom(baseURL, dataDir string) error {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(dataDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create data directory %q", dataDir)
	}
	for _, file := range Files() {
		filePath := filepath.Join(dataDir, file)
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return err
		}
		if exists {
			klog.V(2).Infof("%q already downloaded", filePath)
			continue
		}
		fileURL, err := url.JoinPath(baseURL, file)
		if err != nil {
			return errors.Wrapf(err, "invalid download URL %q", baseURL)
		}
		klog.Infof("Downloading %s ...", fileURL)
		size, err := downloadFile(fileURL, filePath)
		if err != nil {
			return err
		}
		klog.Infof("Downloaded %s to %q", humanize.IBytes(uint64(size)), filePath)
	}
	return nil
}

// downloadFile to filePath. It writes to a temporary file first, so an interrupted download
// doesn't leave a truncated file behind. Content that is not gzip, like an error page, is rejected.
func downloadFile(fileURL, filePath string) (size int64, err error) {
	tmpPath := filePath + ".tmp"
	size, err = downloader.Download(fileURL, tmpPath, klog.V(1).Enabled())
	if err == nil {
		err = checkGzip(tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, errors.WithMessagef(err, "failed downloading %q", fileURL)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed renaming %q to %q", tmpPath, filePath)
	}
	return size, nil
}

// checkGzip returns an error if filePath doesn't start with a gzip header.
func checkGzip(filePath string) error {
	_, closeFn, err := openGzip(filePath)
	if err != nil {
		return err
	}
	closeFn()
	return nil
}
