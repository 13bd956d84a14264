package embeddings

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Load reads a dataset from an .fvecs file and, when attrPath is not empty,
// a text file with one attribute line per vector.
func Load(vectorPath, attrPath string) (*Dataset, error) {
	vectors, err := LoadFvecs(vectorPath)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}

	d := &Dataset{
		Name:    strings.TrimSuffix(filepath.Base(vectorPath), filepath.Ext(vectorPath)),
		Vectors: vectors,
	}
	if len(vectors) > 0 {
		d.Dimension = len(vectors[0])
	}

	if attrPath == "" {
		return d, nil
	}
	lines, err := readLines(attrPath)
	if err != nil {
		return nil, fmt.Errorf("load attributes: %w", err)
	}
	if len(lines) < len(vectors) {
		return nil, fmt.Errorf("attribute file has %d lines for %d vectors", len(lines), len(vectors))
	}
	d.Attributes = lines[:len(vectors)]
	return d, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines, sc.Err()
}

// Generate creates a synthetic dataset with uniform vectors in [-1, 1) and
// a "bucket" attribute cycling through 0..9.
func Generate(n, dim int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	d := &Dataset{
		Name:       "random",
		Dimension:  dim,
		Vectors:    make([][]float32, n),
		Attributes: make([]string, n),
	}
	for i := range d.Vectors {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		d.Vectors[i] = vec
		d.Attributes[i] = fmt.Sprintf("bucket=%d", i%10)
	}
	return d
}
