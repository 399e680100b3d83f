// Package dataset provides the synthetic sequence-sorting dataset and the
// batch loader pipeline feeding the training loop.
package dataset

import (
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// IgnoreIndex marks target positions the loss must skip while the model is
// still reading the input half of the sequence.
const IgnoreIndex = -1

// ErrNoSample indicates rejection sampling exhausted its attempt budget
// without producing an example for the requested split.
var ErrNoSample = errors.New("dataset: no sample found within attempt bound")

// maxAttempts bounds rejection sampling; hash-degenerate content universes
// fail explicitly instead of looping forever.
const maxAttempts = 4096

// Split labels the train/test partition of generated examples.
type Split string

const (
	Train Split = "train"
	Test  Split = "test"
)

// Example is one training pair. Input holds the raw problem; X and Y are
// the offset wire sequences fed to the model, with the read-phase prefix of
// Y masked by IgnoreIndex.
type Example struct {
	Input []int
	X     []int
	Y     []int
}

// Dataset is the minimal sequence-dataset capability contract the trainer
// and evaluator rely on.
type Dataset interface {
	Len() int
	Get(idx int) (Example, error)
	VocabSize() int
	BlockSize() int
}

// Reseeder is implemented by datasets whose sampling stream can be
// decorrelated per process rank.
type Reseeder interface {
	Reseed(seed int64)
}

// SortDataset generates sorting problems on the fly. For length 6:
//
//	input:  0 0 2 1 0 1 -> output: 0 0 0 1 1 2
//
// which feeds the model as the concatenated, offset pair
//
//	x: 0 0 2 1 0 1 0 0 0 1 1
//	y: I I I I I 0 0 0 1 1 2
//
// where I is IgnoreIndex. Examples carry no identity: every Get resamples,
// and the train/test label is a pure function of the generated content.
type SortDataset struct {
	split     Split
	length    int
	numDigits int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSortDataset constructs a generator for one split.
func NewSortDataset(split Split, length, numDigits int, seed int64) (*SortDataset, error) {
	if split != Train && split != Test {
		return nil, errors.Errorf("dataset: unknown split %q", split)
	}
	if length < 2 {
		return nil, errors.New("dataset: length must be >= 2")
	}
	if numDigits < 1 {
		return nil, errors.New("dataset: numDigits must be >= 1")
	}
	return &SortDataset{
		split:     split,
		length:    length,
		numDigits: numDigits,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Len reports the nominal dataset size used for epoch accounting. Content
// is resampled on every access, so the value is advisory.
func (d *SortDataset) Len() int { return 10000 }

// VocabSize returns the number of distinct token values.
func (d *SortDataset) VocabSize() int { return d.numDigits }

// BlockSize returns the model context length: input and output
// concatenated, minus one because predictions start at the last input
// element.
func (d *SortDataset) BlockSize() int { return d.length*2 - 1 }

// Split returns the split this generator serves.
func (d *SortDataset) Split() Split { return d.split }

// Reseed replaces the sampling stream, used to decorrelate ranks.
func (d *SortDataset) Reseed(seed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng = rand.New(rand.NewSource(seed))
}

// Get generates an example for this dataset's split via bounded rejection
// sampling. idx carries no identity and is ignored.
func (d *SortDataset) Get(_ int) (Example, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		inp := make([]int, d.length)
		for i := range inp {
			inp[i] = d.rng.Intn(d.numDigits)
		}
		// Half of the time, boost examples with many repeated digits; those
		// are rare under uniform sampling and the model struggles with them.
		if d.rng.Float64() < 0.5 && distinct(inp) > d.length/2 {
			continue
		}
		if SplitFor(inp) != d.split {
			continue
		}
		return d.build(inp), nil
	}
	return Example{}, errors.Wrapf(ErrNoSample, "split %q after %d attempts", d.split, maxAttempts)
}

// SplitFor assigns a stable split label from example content alone: the
// digits are serialized to canonical bytes, hashed, and ~25% of the hash
// space routes to the test split.
func SplitFor(inp []int) Split {
	h := fnv.New64a()
	buf := make([]byte, len(inp))
	for i, v := range inp {
		buf[i] = byte(v)
	}
	h.Write(buf)
	if h.Sum64()%4 == 0 {
		return Test
	}
	return Train
}

func (d *SortDataset) build(inp []int) Example {
	sol := append([]int(nil), inp...)
	insertionSort(sol)

	cat := make([]int, 0, 2*d.length)
	cat = append(cat, inp...)
	cat = append(cat, sol...)

	x := append([]int(nil), cat[:len(cat)-1]...)
	y := append([]int(nil), cat[1:]...)
	for i := 0; i < d.length-1; i++ {
		y[i] = IgnoreIndex
	}
	return Example{Input: inp, X: x, Y: y}
}

func distinct(vals []int) int {
	seen := make(map[int]struct{}, len(vals))
	for _, v := range vals {
		seen[v] = struct{}{}
	}
	return len(seen)
}

func insertionSort(vals []int) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
}
