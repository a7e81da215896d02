package dataset

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// JunkID is the person id Market-1501 gives to detector false positives.
const JunkID = -1

// SampleName is the identity and camera encoded in a Market-1501 style file
// name such as "0002_c1s1_000451_03.jpg".
type SampleName struct {
	PersonID int
	Camera   int
}

// ParseMarketName parses a file name of the form <pid>_c<cam>[s...]_*.ext.
// The pid may be -1 for junk detections.
func ParseMarketName(name string) (SampleName, error) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	parts := strings.SplitN(stem, "_", 3)
	if len(parts) < 2 {
		return SampleName{}, fmt.Errorf("file name %q has no <pid>_c<cam> prefix", name)
	}

	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return SampleName{}, fmt.Errorf("file name %q: bad person id: %w", name, err)
	}
	if pid < JunkID {
		return SampleName{}, fmt.Errorf("file name %q: person id %d out of range", name, pid)
	}

	cam := parts[1]
	if !strings.HasPrefix(cam, "c") {
		return SampleName{}, fmt.Errorf("file name %q: camera field %q does not start with 'c'", name, cam)
	}
	end := 1
	for end < len(cam) && cam[end] >= '0' && cam[end] <= '9' {
		end++
	}
	camera, err := strconv.Atoi(cam[1:end])
	if err != nil {
		return SampleName{}, fmt.Errorf("file name %q: bad camera: %w", name, err)
	}

	return SampleName{PersonID: pid, Camera: camera}, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
