package embeddings

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrInconsistentDimension is returned when an .fvecs file mixes dimensions.
var ErrInconsistentDimension = errors.New("inconsistent vector dimensions")

// LoadFvecs loads vectors from a .fvecs file.
//
// FVECS format, per vector:
//   - 4 bytes: dimension (int32, little-endian)
//   - dimension * 4 bytes: float32 values (little-endian)
func LoadFvecs(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fvecs file: %w", err)
	}
	defer f.Close()

	return ReadFvecs(bufio.NewReader(f))
}

// ReadFvecs reads vectors in FVECS format until EOF.
func ReadFvecs(r io.Reader) ([][]float32, error) {
	var (
		vectors [][]float32
		want    int32 = -1
	)
	for {
		var dim int32
		err := binary.Read(r, binary.LittleEndian, &dim)
		if err == io.EOF {
			return vectors, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read dimension: %w", err)
		}
		if dim <= 0 {
			return nil, fmt.Errorf("invalid dimension %d at vector %d", dim, len(vectors))
		}
		if want == -1 {
			want = dim
		} else if dim != want {
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrInconsistentDimension, want, dim)
		}

		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", len(vectors), err)
		}
		vectors = append(vectors, vec)
	}
}

// SaveFvecs saves vectors to a .fvecs file.
func SaveFvecs(path string, vectors [][]float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create fvecs file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := WriteFvecs(w, vectors); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteFvecs writes vectors in FVECS format.
func WriteFvecs(w io.Writer, vectors [][]float32) error {
	for _, vec := range vectors {
		if err := binary.Write(w, binary.LittleEndian, int32(len(vec))); err != nil {
			return fmt.Errorf("write dimension: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, vec); err != nil {
			return fmt.Errorf("write vector values: %w", err)
		}
	}
	return nil
}
