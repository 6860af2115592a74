package main

import (
	"flag"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/emotionnet"
	"github.com/tsawler/go-emotionnet/optimizer"
	"github.com/tsawler/go-emotionnet/training"
)

func runTrain(args []string, logger *log.Logger) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var mf modelFlags
	mf.register(fs)
	trainDir := fs.String("train", "", "training image folder (one subdirectory per class)")
	validDir := fs.String("valid", "", "validation image folder")
	out := fs.String("out", "emotionnet", "checkpoint output prefix")
	epochs := fs.Int("epochs", 10, "number of epochs")
	batch := fs.Int("batch", 48, "training batch size")
	workers := fs.Int("workers", 4, "data loading workers")
	opt := fs.String("optimizer", "adam", "adam or sgd")
	lr := fs.Float64("lr", 0.001, "learning rate")
	momentum := fs.Float64("momentum", 0.9, "SGD momentum")
	decay := fs.Float64("weight-decay", 0, "L2 weight decay")
	schedule := fs.String("schedule", "constant", "learning rate schedule: constant, step, exponential or cosine")
	metrics := fs.String("metrics", "", "append per-epoch metrics to this CSV file")
	resume := fs.String("resume", "", "checkpoint to continue from")
	backbone := fs.String("backbone", "", "checkpoint whose backbone initializes the network; the head stays fresh")
	fs.Parse(args)

	if *trainDir == "" || *validDir == "" {
		return errors.New("-train and -valid are required")
	}

	model, err := mf.build(logger)
	if err != nil {
		return err
	}
	switch {
	case *resume != "":
		err = model.Load(*resume)
	case *backbone != "":
		err = model.LoadBackbone(*backbone)
	}
	if err != nil {
		return err
	}

	trainCfg := emotionnet.DefaultLoaderConfig(*batch, true)
	trainCfg.Workers = *workers
	trainCfg.Seed = mf.seed
	train, err := emotionnet.NewLoader(*trainDir, trainCfg)
	if err != nil {
		return err
	}
	validCfg := emotionnet.DefaultLoaderConfig(*batch, false)
	validCfg.Workers = *workers
	valid, err := emotionnet.NewLoader(*validDir, validCfg)
	if err != nil {
		return err
	}

	cfg := training.DefaultConfig()
	cfg.BatchSize = *batch
	cfg.Workers = *workers
	if cfg.Optimizer.Type, err = optimizer.ParseType(*opt); err != nil {
		return err
	}
	cfg.Optimizer.LearningRate = *lr
	cfg.Optimizer.WeightDecay = *decay
	if cfg.Optimizer.Type == optimizer.SGD {
		cfg.Optimizer.Momentum = *momentum
	}
	if cfg.Scheduler, err = training.ParseScheduler(*schedule, *epochs); err != nil {
		return err
	}

	var sink io.Writer
	if *metrics != "" {
		f, err := os.OpenFile(*metrics, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return errors.Wrap(err, "opening metrics file")
		}
		defer f.Close()
		sink = f
	}

	trainer, err := training.NewTrainer(model, cfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	logger.Printf("train: %d batches, valid: %d batches, classes %v", train.Len(), valid.Len(), train.Classes())
	history, err := trainer.Train(train, valid, *out, *epochs, sink)
	if err != nil {
		return err
	}
	logger.Printf("done: best validation accuracy %.3f at epochs %v", history.BestAccuracy, history.BestEpochs())
	return nil
}
