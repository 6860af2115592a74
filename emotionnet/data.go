package emotionnet

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/vision/dataloader"
	"github.com/tsawler/go-emotionnet/vision/dataset"
	"github.com/tsawler/go-emotionnet/vision/preprocessing"
)

// LoaderConfig configures a data source over an image-folder directory
type LoaderConfig struct {
	BatchSize int
	Workers   int
	Train     bool // shuffle and augment with a random resized crop and flip
	Resize    int  // shorter edge before the center crop, eval only
	Crop      int
	Seed      int64
	CacheSize int // preprocessed images kept in memory, eval only
}

// DefaultLoaderConfig returns the reference pipeline: 4 workers, resize 256
// and crop 224
func DefaultLoaderConfig(batchSize int, train bool) LoaderConfig {
	return LoaderConfig{
		BatchSize: batchSize,
		Workers:   4,
		Train:     train,
		Resize:    preprocessing.DefaultResize,
		Crop:      preprocessing.DefaultCropSize,
		Seed:      1,
	}
}

// NewLoader builds a batching data source over root, whose immediate
// subdirectories are the class names
func NewLoader(root string, cfg LoaderConfig) (*dataloader.DataLoader, error) {
	ds, err := dataset.NewImageFolderDataset(root, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset %s", root)
	}
	if cfg.Crop == 0 {
		cfg.Crop = preprocessing.DefaultCropSize
	}
	if cfg.Resize == 0 {
		cfg.Resize = preprocessing.DefaultResize
	}

	var processor *preprocessing.ImageProcessor
	if cfg.Train {
		processor = preprocessing.NewTrainProcessor(cfg.Crop)
	} else {
		processor = preprocessing.NewEvalProcessor(cfg.Resize, cfg.Crop)
	}
	return dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:    cfg.BatchSize,
		Shuffle:      cfg.Train,
		NumWorkers:   cfg.Workers,
		MaxCacheSize: cfg.CacheSize,
		Seed:         cfg.Seed,
		Processor:    processor,
	})
}
