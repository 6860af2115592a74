package main

import (
	"flag"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/emotionnet"
	"github.com/tsawler/go-emotionnet/tensor"
	"github.com/tsawler/go-emotionnet/training"
)

func runValidate(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	var mf modelFlags
	mf.register(fs)
	modelPath := fs.String("model", "", "checkpoint to evaluate")
	dataDir := fs.String("data", "", "image folder to evaluate on")
	batch := fs.Int("batch", 16, "batch size")
	workers := fs.Int("workers", 4, "data loading workers")
	fs.Parse(args)

	if *dataDir == "" {
		return errors.New("-data is required")
	}
	model, err := mf.load(*modelPath, logger)
	if err != nil {
		return err
	}
	cfg := emotionnet.DefaultLoaderConfig(*batch, false)
	cfg.Workers = *workers
	source, err := emotionnet.NewLoader(*dataDir, cfg)
	if err != nil {
		return err
	}

	tcfg := training.DefaultConfig()
	tcfg.ValidBatchSize = *batch
	trainer, err := training.NewTrainer(model, tcfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	loss, acc, err := trainer.Evaluate(source)
	if err != nil {
		return err
	}
	logger.Printf("Loss: %v, Precision: %v", loss, acc)
	return nil
}

// runTest evaluates one image at a time and logs every prediction
func runTest(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	var mf modelFlags
	mf.register(fs)
	modelPath := fs.String("model", "", "checkpoint to evaluate")
	dataDir := fs.String("data", "", "image folder to test on")
	fs.Parse(args)

	if *dataDir == "" {
		return errors.New("-data is required")
	}
	model, err := mf.load(*modelPath, logger)
	if err != nil {
		return err
	}
	cfg := emotionnet.DefaultLoaderConfig(1, false)
	cfg.Workers = 1
	source, err := emotionnet.NewLoader(*dataDir, cfg)
	if err != nil {
		return err
	}
	classes := source.Classes()

	var top1 training.AverageMeter
	it := source.Iterate(0)
	defer it.Close()
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		probs, err := model.Predict(batch.Images)
		if err != nil {
			return err
		}
		prec, err := training.Accuracy(probs, batch.Labels, 1)
		if err != nil {
			return err
		}
		top1.Update(prec[0], 1)

		pred := tensor.ArgMax(probs.Row(0))
		predicted := emotionnet.Classes[pred]
		if pred < len(classes) {
			predicted = classes[pred]
		}
		logger.Printf("%s: predicted %s (%.3f), actual %s", batch.Paths[0], predicted, probs.Row(0)[pred], classes[batch.Labels[0]])
	}
	logger.Printf("Precision: %v over %d images", top1.Avg, int(top1.Count))
	return nil
}
