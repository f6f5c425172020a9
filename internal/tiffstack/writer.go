package tiffstack

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"microreg/internal/volume"
)

const (
	ifdEntries = 11
	ifdSize    = 2 + ifdEntries*12 + 4
)

// ErrTooLarge is returned when a stack would not fit the 32-bit offsets of a
// classic TIFF file.
var ErrTooLarge = errors.New("stack exceeds the 4 GiB tiff limit")

// Write stores img at path as an uncompressed little-endian 16-bit
// BlackIsZero stack, one page per depth plane.
func Write(path string, img *volume.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Encode writes img to w. Pixel data for each page precedes its directory.
func Encode(w io.Writer, img *volume.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	dims := img.SpatialDims()
	if _, err := encodedSize(dims); err != nil {
		return err
	}
	width, height, depth := dims[0], dims[1], dims[2]
	stripBytes := uint32(width * height * 2)

	le := binary.LittleEndian
	header := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	le.PutUint32(header[4:], 8+stripBytes)
	if _, err := w.Write(header); err != nil {
		return err
	}

	row := make([]byte, width*2)
	offset := uint32(8)
	for z := 0; z < depth; z++ {
		dataOffset := offset
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				le.PutUint16(row[x*2:], img.At(x, y, z))
			}
			if _, err := w.Write(row); err != nil {
				return err
			}
		}
		ifdOffset := dataOffset + stripBytes
		next := uint32(0)
		if z < depth-1 {
			next = ifdOffset + uint32(ifdSize) + stripBytes
		}
		if _, err := w.Write(directory(uint32(width), uint32(height), dataOffset, stripBytes, next)); err != nil {
			return err
		}
		offset = ifdOffset + uint32(ifdSize)
	}
	return nil
}

// encodedSize is the file size Encode produces for spatial dims (column,
// row, depth). Every offset in the file is below it.
func encodedSize(dims [3]int) (int64, error) {
	size := int64(8)
	per := int64(dims[0])*int64(dims[1])*2 + ifdSize
	if int64(dims[2]) > (math.MaxUint32-size)/per {
		return 0, fmt.Errorf("%w: %dx%dx%d needs more than %d bytes", ErrTooLarge, dims[0], dims[1], dims[2], uint32(math.MaxUint32))
	}
	return size + per*int64(dims[2]), nil
}

func directory(width, height, dataOffset, stripBytes, next uint32) []byte {
	le := binary.LittleEndian
	buf := make([]byte, ifdSize)
	le.PutUint16(buf, ifdEntries)

	entries := []struct {
		tag, typ uint16
		val      uint32
	}{
		{tagImageWidth, typeLong, width},
		{tagImageLength, typeLong, height},
		{tagBitsPerSample, typeShort, 16},
		{tagCompression, typeShort, compressionNone},
		{tagPhotometric, typeShort, photoBlackIsZero},
		{tagStripOffsets, typeLong, dataOffset},
		{tagSamplesPerPixel, typeShort, 1},
		{tagRowsPerStrip, typeLong, height},
		{tagStripByteCounts, typeLong, stripBytes},
		{tagPlanarConfig, typeShort, 1},
		{tagSampleFormat, typeShort, 1},
	}
	for i, e := range entries {
		b := buf[2+i*12:]
		le.PutUint16(b[0:], e.tag)
		le.PutUint16(b[2:], e.typ)
		le.PutUint32(b[4:], 1)
		if e.typ == typeShort {
			le.PutUint16(b[8:], uint16(e.val))
		} else {
			le.PutUint32(b[8:], e.val)
		}
	}
	le.PutUint32(buf[2+ifdEntries*12:], next)
	return buf
}
