// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnist_classify classifies image files (PNG, JPEG, GIF, BMP or TIFF) with a model trained by mnist_trainer.
//
// Usage:
//
//	mnist_classify -checkpoint=./logs digit1.png digit2.jpg
package main

import (
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/distmnist/classifier"
	"github.com/gomlx/distmnist/config"
	_ "github.com/gomlx/gomlx/backends/default"
	"k8s.io/klog/v2"
)

var flagCheckpoint = flag.String("checkpoint", defaultCheckpointDir(),
	"Directory with the checkpoints saved by mnist_trainer. Defaults to $"+config.LogDirEnvKey+" or ./logs.")

func defaultCheckpointDir() string {
	if dir := os.Getenv(config.LogDirEnvKey); dir != "" {
		return dir
	}
	return "logs"
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image files...>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := classifier.New(*flagCheckpoint)
	if err != nil {
		klog.Exitf("Failed to load model: %+v", err)
	}
	klog.V(1).Infof("Model loaded from %q: %+v", *flagCheckpoint, c.Params())

	paths := flag.Args()
	imgs := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			klog.Exitf("Failed to read image %q: %v", path, err)
		}
		imgs = append(imgs, img)
	}
	classes, err := c.ClassifyBatch(imgs)
	if err != nil {
		klog.Exitf("Failed to classify images: %+v", err)
	}
	for ii, class := range classes {
		fmt.Printf("%s\t%d\t%s\n", paths[ii], class, c.LabelName(class))
	}
}
