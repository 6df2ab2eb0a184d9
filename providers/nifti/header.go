package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"nifti2database/models"
)

const (
	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
)

// ErrInvalidHeader signalisiert einen unlesbaren oder fehlerhaften NIfTI-Header.
var ErrInvalidHeader = errors.New("invalid nifti header")

// HeaderReader liest NIfTI-1 und NIfTI-2 Header, auch gzip-komprimiert.
type HeaderReader struct{}

// ReadHeader liefert Matrixgröße und Voxelauflösung (pixdim) der Datei.
func (HeaderReader) ReadHeader(ref models.FileRef) ([]int, []float64, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", ref.Path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(ref.Path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gunzip %s: %w", ref.Path, err)
		}
		defer gz.Close()
		r = gz
	}

	buf := make([]byte, nifti2HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, nil, fmt.Errorf("read header %s: %w", ref.Path, err)
	}
	matrix, resolution, err := parseHeader(buf[:n])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", ref.Path, err)
	}
	return matrix, resolution, nil
}

func parseHeader(buf []byte) ([]int, []float64, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidHeader)
	}
	order, size, ok := detectOrder(buf)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown sizeof_hdr", ErrInvalidHeader)
	}
	if len(buf) < size {
		return nil, nil, fmt.Errorf("%w: truncated", ErrInvalidHeader)
	}

	var dims [8]int64
	var pixdim [8]float64
	switch size {
	case nifti1HeaderSize:
		for i := range dims {
			dims[i] = int64(int16(order.Uint16(buf[40+2*i:])))
			pixdim[i] = float64(math.Float32frombits(order.Uint32(buf[76+4*i:])))
		}
	case nifti2HeaderSize:
		for i := range dims {
			dims[i] = int64(order.Uint64(buf[16+8*i:]))
			pixdim[i] = math.Float64frombits(order.Uint64(buf[104+8*i:]))
		}
	}

	ndim := int(dims[0])
	if ndim < 1 || ndim > 7 {
		return nil, nil, fmt.Errorf("%w: dim[0]=%d", ErrInvalidHeader, ndim)
	}
	matrix := make([]int, ndim)
	resolution := make([]float64, ndim)
	for i := 0; i < ndim; i++ {
		matrix[i] = int(dims[i+1])
		resolution[i] = pixdim[i+1]
	}
	return matrix, resolution, nil
}

// detectOrder bestimmt Byte-Reihenfolge und Header-Version über sizeof_hdr.
func detectOrder(buf []byte) (binary.ByteOrder, int, bool) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch int(int32(order.Uint32(buf))) {
		case nifti1HeaderSize:
			return order, nifti1HeaderSize, true
		case nifti2HeaderSize:
			return order, nifti2HeaderSize, true
		}
	}
	return nil, 0, false
}
