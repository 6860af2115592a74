package dataloader

import (
	"context"
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
	"github.com/tsawler/go-emotionnet/vision/preprocessing"
)

// Dataset is an indexed collection of labelled image files
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	ClassNames() []string
}

// Batch is one group of preprocessed samples. Images is [N, 3, H, W].
type Batch struct {
	Images *tensor.Tensor
	Labels []int
	Paths  []string
}

// Iterator yields the batches of one epoch in order. Next returns io.EOF
// after the last batch. Close releases the workers and may be called at
// any point.
type Iterator interface {
	Next() (*Batch, error)
	Close()
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	NumWorkers   int                           // parallel batch builders
	Prefetch     int                           // batches in flight, default 2 per worker
	MaxCacheSize int                           // images cached when the processor is deterministic
	Seed         int64                         // shuffling and augmentation seed
	Processor    *preprocessing.ImageProcessor // required
	CacheManager *CacheManager                 // optional shared cache
}

// DataLoader batches a Dataset through an ImageProcessor using a pool of
// workers that prefetch into a bounded queue
type DataLoader struct {
	dataset Dataset
	config  Config
	cache   *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", config.BatchSize)
	}
	if config.Processor == nil {
		return nil, errors.New("data loader needs an image processor")
	}
	if dataset.Len() == 0 {
		return nil, errors.New("empty dataset")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2 * config.NumWorkers
	}

	dl := &DataLoader{dataset: dataset, config: config}
	if config.Processor.Deterministic() {
		dl.cache = config.CacheManager
		if dl.cache == nil && config.MaxCacheSize > 0 {
			dl.cache = NewCacheManager(config.MaxCacheSize)
		}
	}
	return dl, nil
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Classes returns the dataset's class names
func (dl *DataLoader) Classes() []string {
	return dl.dataset.ClassNames()
}

// Stats returns cache statistics, or an empty summary when uncached
func (dl *DataLoader) Stats() string {
	if dl.cache == nil {
		return "Cache: disabled"
	}
	return dl.cache.Stats().String()
}

// order returns the sample order for an epoch
func (dl *DataLoader) order(epoch int) []int {
	n := dl.dataset.Len()
	if dl.config.Shuffle {
		return rand.New(rand.NewSource(mix(dl.config.Seed, int64(epoch), -1))).Perm(n)
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

type result struct {
	batch *Batch
	err   error
}

type iterator struct {
	results []chan result
	slots   chan struct{}
	next    int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	closed  bool
}

// Iterate starts the workers for one epoch. Batches are delivered in order
// no matter which worker finishes first.
func (dl *DataLoader) Iterate(epoch int) Iterator {
	order := dl.order(epoch)
	numBatches := dl.Len()
	ctx, cancel := context.WithCancel(context.Background())

	it := &iterator{
		results: make([]chan result, numBatches),
		slots:   make(chan struct{}, dl.config.Prefetch),
		cancel:  cancel,
	}
	for i := range it.results {
		it.results[i] = make(chan result, 1)
	}

	jobs := make(chan int)
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(jobs)
		for b := 0; b < numBatches; b++ {
			select {
			case it.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < dl.config.NumWorkers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for b := range jobs {
				start := b * dl.config.BatchSize
				end := start + dl.config.BatchSize
				if end > len(order) {
					end = len(order)
				}
				batch, err := dl.loadBatch(order[start:end], epoch)
				it.results[b] <- result{batch: batch, err: err}
			}
		}()
	}
	return it
}

var errIteratorClosed = errors.New("iterator closed")

func (it *iterator) Next() (*Batch, error) {
	if it.closed {
		return nil, errIteratorClosed
	}
	if it.next >= len(it.results) {
		return nil, io.EOF
	}
	r := <-it.results[it.next]
	<-it.slots
	it.next++
	if r.err != nil {
		return nil, r.err
	}
	return r.batch, nil
}

func (it *iterator) Close() {
	it.once.Do(func() {
		it.closed = true
		it.cancel()
		it.wg.Wait()
	})
}

// loadBatch preprocesses the samples at indices into one batch
func (dl *DataLoader) loadBatch(indices []int, epoch int) (*Batch, error) {
	batch := &Batch{
		Labels: make([]int, len(indices)),
		Paths:  make([]string, len(indices)),
	}
	var sampleSize int
	for i, idx := range indices {
		path, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, err
		}
		img, err := dl.loadImage(path, idx, epoch)
		if err != nil {
			return nil, err
		}
		if batch.Images == nil {
			sampleSize = img.Len()
			batch.Images = tensor.Zeros(append([]int{len(indices)}, img.Shape...)...)
		}
		if img.Len() != sampleSize {
			return nil, errors.Errorf("%s: sample shape %v differs from the batch", path, img.Shape)
		}
		copy(batch.Images.Data[i*sampleSize:(i+1)*sampleSize], img.Data)
		batch.Labels[i] = label
		batch.Paths[i] = path
	}
	return batch, nil
}

// loadImage loads an image with caching support. Augmented samples draw
// from a source seeded by (seed, epoch, index) so the result does not depend
// on which worker runs it.
func (dl *DataLoader) loadImage(path string, index, epoch int) (*tensor.Tensor, error) {
	if dl.cache != nil {
		if cached, ok := dl.cache.Get(path); ok {
			return cached, nil
		}
	}
	var rng *rand.Rand
	if !dl.config.Processor.Deterministic() {
		rng = rand.New(rand.NewSource(mix(dl.config.Seed, int64(epoch), int64(index))))
	}
	img, err := dl.config.Processor.ProcessFile(path, rng)
	if err != nil {
		return nil, err
	}
	if dl.cache != nil {
		dl.cache.Put(path, img)
	}
	return img, nil
}

// mix folds its arguments into one seed with the splitmix64 finalizer
func mix(values ...int64) int64 {
	var h uint64 = 0x9e3779b97f4a7c15
	for _, v := range values {
		h ^= uint64(v)
		h += 0x9e3779b97f4a7c15
		h = (h ^ (h >> 30)) * 0xbf58476d1ce4e5b9
		h = (h ^ (h >> 27)) * 0x94d049bb133111eb
		h ^= h >> 31
	}
	return int64(h)
}
