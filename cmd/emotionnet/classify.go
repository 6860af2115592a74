package main

import (
	"flag"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/classify"
	"github.com/tsawler/go-emotionnet/emotionnet"
	"github.com/tsawler/go-emotionnet/facecrop"
	"github.com/tsawler/go-emotionnet/facecrop/dlib"
	"github.com/tsawler/go-emotionnet/server"
)

type classifierFlags struct {
	modelFlags
	model     string
	dlibModel string
	cnn       bool
}

func (c *classifierFlags) register(fs *flag.FlagSet) {
	c.modelFlags.register(fs)
	fs.StringVar(&c.model, "model", "", "trained checkpoint")
	fs.StringVar(&c.dlibModel, "dlib-models", "models", "directory holding the dlib face models")
	fs.BoolVar(&c.cnn, "cnn", false, "use dlib's CNN face detector instead of HOG")
}

// build returns the classifier and a function releasing the detector
func (c *classifierFlags) build(logger *log.Logger) (*classify.Classifier, func(), error) {
	model, err := c.modelFlags.load(c.model, logger)
	if err != nil {
		return nil, nil, err
	}
	if model.Config().NumClasses != len(emotionnet.Classes) {
		return nil, nil, errors.Errorf("checkpoint has %d classes, expected %d", model.Config().NumClasses, len(emotionnet.Classes))
	}
	detector, err := dlib.New(c.dlibModel, c.cnn)
	if err != nil {
		return nil, nil, err
	}
	cls, err := classify.New(model, detector, emotionnet.Classes, logger, os.Stdout)
	if err != nil {
		detector.Close()
		return nil, nil, err
	}
	return cls, detector.Close, nil
}

func runClassify(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	var cf classifierFlags
	cf.register(fs)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("no images given")
	}

	cls, release, err := cf.build(logger)
	if err != nil {
		return err
	}
	defer release()

	failed := 0
	for _, path := range fs.Args() {
		if _, err := cls.Classify(path); err != nil {
			var noFace *facecrop.NoFaceDetectedError
			if !errors.As(err, &noFace) {
				return err
			}
			logger.Printf("skipping %s: %v", path, err)
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d images had no usable face", failed, fs.NArg())
	}
	return nil
}

func runServe(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var cf classifierFlags
	cf.register(fs)
	addr := fs.String("addr", ":8080", "listen address")
	fs.Parse(args)

	cls, release, err := cf.build(logger)
	if err != nil {
		return err
	}
	defer release()
	return server.New(cls, logger).Run(*addr)
}
