package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions lists the image file extensions picked up by
// NewImageFolderDataset; matching is case-insensitive
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Class indices follow the
// alphabetical order of the subdirectory names.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	// os.ReadDir returns entries sorted by name
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list classes in %s", root)
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		if !isDir(root, entry) {
			continue
		}
		className := entry.Name()
		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		classPath := filepath.Join(root, className)
		files, err := os.ReadDir(classPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list images in %s", classPath)
		}
		for _, f := range files {
			if f.IsDir() || !allowed[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			dataset.imagePaths = append(dataset.imagePaths, filepath.Join(classPath, f.Name()))
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.classNames) == 0 {
		return nil, errors.Errorf("no class directories found in %s", root)
	}
	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	return dataset, nil
}

// isDir follows symlinks so linked class directories are accepted
func isDir(root string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(root, entry.Name()))
	return err == nil && info.IsDir()
}

// Root returns the directory the dataset was loaded from
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndex maps a class name to its index
func (d *ImageFolderDataset) ClassIndex(name string) (int, bool) {
	idx, ok := d.classToIdx[name]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split splits the dataset into train and validation sets. Shuffling uses
// the given seed so the split is reproducible.
func (d *ImageFolderDataset) Split(trainRatio float64, shuffle bool, seed int64) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		root:       d.root,
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}
	return sb.String()
}
