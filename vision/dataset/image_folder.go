package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// DefaultExtensions are the image extensions picked up when none are given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

type entry struct {
	imagePath string
	densePath string
	personID  int
	camera    int
}

// ReIDFolderDataset is a person re-id dataset read from two flat directory
// trees: RGB crops named Market-1501 style, and dense (UV) maps carrying the
// same file stem. Raw person ids are relabelled to 0..M-1 in ascending
// order; junk detections and crops without a dense map are skipped.
type ReIDFolderDataset struct {
	entries    []entry
	identities []int // dense id per sample
	rawIDs     []int // raw person id per dense id
	groups     []*roaring.Bitmap
	cameras    []*roaring.Bitmap

	junk        int
	missingMaps int
}

// NewReIDFolderDataset scans imageRoot and pairs every crop with the map of
// the same stem under denseRoot.
func NewReIDFolderDataset(imageRoot, denseRoot string, extensions []string) (*ReIDFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	images, err := listImages(imageRoot, extensions)
	if err != nil {
		return nil, err
	}
	denseMaps, err := listImages(denseRoot, extensions)
	if err != nil {
		return nil, err
	}
	denseByStem := make(map[string]string, len(denseMaps))
	for _, p := range denseMaps {
		denseByStem[stemOf(p)] = p
	}

	var entries []entry
	junk, missing := 0, 0
	for _, p := range images {
		name, err := ParseMarketName(p)
		if err != nil {
			return nil, err
		}
		if name.PersonID == JunkID {
			junk++
			continue
		}
		dense, ok := denseByStem[stemOf(p)]
		if !ok {
			missing++
			continue
		}
		entries = append(entries, entry{imagePath: p, densePath: dense, personID: name.PersonID, camera: name.Camera})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no usable samples in %s (junk: %d, without dense map: %d)", imageRoot, junk, missing)
	}

	d := fromEntries(entries)
	d.junk = junk
	d.missingMaps = missing
	return d, nil
}

func listImages(root string, extensions []string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var paths []string
	for _, ext := range extensions {
		files, err := filepath.Glob(filepath.Join(root, "*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", root, err)
		}
		paths = append(paths, files...)
	}
	sort.Strings(paths)
	return paths, nil
}

// fromEntries relabels entries and builds the per-identity bitmaps.
func fromEntries(entries []entry) *ReIDFolderDataset {
	raw := make(map[int]struct{})
	for _, e := range entries {
		raw[e.personID] = struct{}{}
	}
	rawIDs := make([]int, 0, len(raw))
	for id := range raw {
		rawIDs = append(rawIDs, id)
	}
	sort.Ints(rawIDs)
	dense := make(map[int]int, len(rawIDs))
	for i, id := range rawIDs {
		dense[id] = i
	}

	d := &ReIDFolderDataset{
		entries:    entries,
		identities: make([]int, len(entries)),
		rawIDs:     rawIDs,
		groups:     make([]*roaring.Bitmap, len(rawIDs)),
		cameras:    make([]*roaring.Bitmap, len(rawIDs)),
	}
	for i := range rawIDs {
		d.groups[i] = roaring.New()
		d.cameras[i] = roaring.New()
	}
	for i, e := range entries {
		id := dense[e.personID]
		d.identities[i] = id
		d.groups[id].Add(uint32(i))
		d.cameras[id].Add(uint32(e.camera))
	}
	return d
}

// Len returns the number of items in the dataset
func (d *ReIDFolderDataset) Len() int {
	return len(d.entries)
}

// GetItem returns the image path, dense-map path and dense identity at index.
func (d *ReIDFolderDataset) GetItem(index int) (imagePath, densePath string, identity int, err error) {
	if index < 0 || index >= len(d.entries) {
		return "", "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.entries))
	}
	e := d.entries[index]
	return e.imagePath, e.densePath, d.identities[index], nil
}

// NumIdentities returns the number of distinct identities.
func (d *ReIDFolderDataset) NumIdentities() int {
	return len(d.rawIDs)
}

// SamplesOf returns the indices of every sample of identity, ascending.
func (d *ReIDFolderDataset) SamplesOf(identity int) []int {
	if identity < 0 || identity >= len(d.groups) {
		return nil
	}
	members := d.groups[identity].ToArray()
	out := make([]int, len(members))
	for i, m := range members {
		out[i] = int(m)
	}
	return out
}

// RawID maps a dense identity back to the person id in the file names.
func (d *ReIDFolderDataset) RawID(identity int) int {
	return d.rawIDs[identity]
}

// CamerasOf returns the cameras an identity was seen by.
func (d *ReIDFolderDataset) CamerasOf(identity int) []int {
	if identity < 0 || identity >= len(d.cameras) {
		return nil
	}
	var out []int
	it := d.cameras[identity].Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// IdentityDistribution returns the number of samples per dense identity.
func (d *ReIDFolderDataset) IdentityDistribution() []int {
	dist := make([]int, len(d.groups))
	for i, g := range d.groups {
		dist[i] = int(g.GetCardinality())
	}
	return dist
}

// Skipped reports how many crops were dropped while scanning.
func (d *ReIDFolderDataset) Skipped() (junk, missingDenseMaps int) {
	return d.junk, d.missingMaps
}

// SplitByIdentity splits the identities, not the samples, into a train and
// a validation set. Both halves are relabelled from 0.
func (d *ReIDFolderDataset) SplitByIdentity(trainRatio float64, rng *rand.Rand) (*ReIDFolderDataset, *ReIDFolderDataset, error) {
	m := d.NumIdentities()
	trainSize := int(float64(m) * trainRatio)
	if trainSize < 1 || trainSize >= m {
		return nil, nil, fmt.Errorf("split ratio %.2f leaves an empty side of %d identities", trainRatio, m)
	}

	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(m, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return d.FilterByIdentity(order[:trainSize]), d.FilterByIdentity(order[trainSize:]), nil
}

// FilterByIdentity creates a new dataset containing only samples from the
// given dense identities, relabelled from 0.
func (d *ReIDFolderDataset) FilterByIdentity(identities []int) *ReIDFolderDataset {
	keep := roaring.New()
	for _, id := range identities {
		if id >= 0 && id < len(d.groups) {
			keep.Or(d.groups[id])
		}
	}

	entries := make([]entry, 0, keep.GetCardinality())
	it := keep.Iterator()
	for it.HasNext() {
		entries = append(entries, d.entries[it.Next()])
	}
	return fromEntries(entries)
}

// String returns a string representation of the dataset
func (d *ReIDFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ReIDFolderDataset: %d samples, %d identities (skipped %d junk, %d without dense map)\n",
		len(d.entries), d.NumIdentities(), d.junk, d.missingMaps))

	dist := d.IdentityDistribution()
	if len(dist) == 0 {
		return sb.String()
	}
	minCount, maxCount := dist[0], dist[0]
	for _, c := range dist {
		minCount = min(minCount, c)
		maxCount = max(maxCount, c)
	}
	sb.WriteString(fmt.Sprintf("Samples per identity: min %d, max %d\n", minCount, maxCount))
	return sb.String()
}
