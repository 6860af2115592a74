// Command emotionnet trains, evaluates and serves the facial-emotion
// classifier.
//
//	emotionnet train    -train DIR -valid DIR -out PREFIX [-epochs N] [-metrics FILE]
//	emotionnet validate -model FILE -data DIR
//	emotionnet test     -model FILE -data DIR
//	emotionnet classify -model FILE -dlib-models DIR IMAGE...
//	emotionnet serve    -model FILE -dlib-models DIR [-addr :8080]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/checkpoints"
	"github.com/tsawler/go-emotionnet/emotionnet"
	"github.com/tsawler/go-emotionnet/tensor"
)

var commands = map[string]func(args []string, logger *log.Logger) error{
	"train":    runTrain,
	"validate": runValidate,
	"test":     runTest,
	"classify": runClassify,
	"serve":    runServe,
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: emotionnet <train|validate|test|classify|serve> [flags]\n")
	fmt.Fprintf(os.Stderr, "run 'emotionnet <command> -h' for the flags of a command\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	if err := run(os.Args[2:], logger); err != nil {
		logger.Fatalf("%s: %v", os.Args[1], err)
	}
}

// modelFlags are the architecture flags shared by every command
type modelFlags struct {
	layers string
	width  int
	device string
	format string
	seed   int64
}

func (m *modelFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&m.layers, "layers", "3,4,6,3", "residual blocks per stage")
	fs.IntVar(&m.width, "width", 64, "channels of the first stage")
	fs.StringVar(&m.device, "device", "gpu", "preferred compute target (cpu or gpu); falls back to cpu")
	fs.StringVar(&m.format, "format", "proto", "checkpoint format written by train (proto or json)")
	fs.Int64Var(&m.seed, "seed", 1, "random seed")
}

// build resolves the compute target once and creates the model on it
func (m *modelFlags) build(logger *log.Logger) (*emotionnet.Model, error) {
	cfg := emotionnet.DefaultConfig()
	layers, err := parseInts(m.layers)
	if err != nil {
		return nil, errors.Wrap(err, "-layers")
	}
	cfg.Layers = layers
	cfg.BaseWidth = m.width
	cfg.Seed = m.seed
	if cfg.Format, err = checkpoints.ParseFormat(m.format); err != nil {
		return nil, err
	}

	preferred := tensor.CPU
	switch strings.ToLower(m.device) {
	case "gpu", "cuda", "metal":
		preferred = tensor.GPU
	case "cpu":
	default:
		return nil, errors.Errorf("unknown device %q", m.device)
	}
	cfg.Device = tensor.ResolveDevice(preferred)
	logger.Printf("compute target: %s", cfg.Device)
	return emotionnet.New(cfg, logger)
}

// load builds the model and restores the checkpoint at path
func (m *modelFlags) load(path string, logger *log.Logger) (*emotionnet.Model, error) {
	if path == "" {
		return nil, errors.New("-model is required")
	}
	model, err := m.build(logger)
	if err != nil {
		return nil, err
	}
	if err := model.Load(path); err != nil {
		return nil, err
	}
	return model, nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
