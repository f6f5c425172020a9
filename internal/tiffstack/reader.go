// Package tiffstack reads and writes 16-bit grayscale TIFF stacks, one page
// per depth plane, in (depth, row, column) order.
package tiffstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	tiff "github.com/chai2010/tiff"

	"microreg/internal/volume"
)

var (
	// ErrFormat marks files that are not readable TIFF stacks.
	ErrFormat = errors.New("invalid tiff stack")
	// ErrUnsupported marks valid TIFF layouts this codec does not decode.
	ErrUnsupported = errors.New("unsupported tiff layout")
)

const (
	maxPages = 1 << 16
	// maxExpansion bounds how far compressed strips may expand. LZW and
	// Deflate stay well below it on real data.
	maxExpansion = 1 << 12
)

// TIFF tags used by the codec.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSubIFDs         = 330
	tagSampleFormat    = 339
)

// TIFF field types.
const (
	typeByte  = 1
	typeShort = 3
	typeLong  = 4
	typeLong8 = 16
)

// typeSizes maps a field type to its element size in bytes.
var typeSizes = map[uint16]int64{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8,
	11: 4, 12: 8, 13: 4, 16: 8, 17: 8, 18: 8,
}

const (
	compressionNone  = 1
	photoWhiteIsZero = 0
	photoBlackIsZero = 1
)

// Info summarises a stack without decoding pixel data.
type Info struct {
	Pages         int    `json:"pages"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	BitsPerSample int    `json:"bitsPerSample"`
	Compression   int    `json:"compression"`
	ByteOrder     string `json:"byteOrder"`
	BigTIFF       bool   `json:"bigTiff,omitempty"`
}

// Dims returns the array-order shape (depth, row, column).
func (i Info) Dims() [3]int {
	return [3]int{i.Pages, i.Height, i.Width}
}

type page struct {
	width        int64
	height       int64
	bits         int
	samples      int
	compression  int
	photometric  int
	sampleFormat int
	blocks       int
	blockCounts  int
	dataBytes    int64
}

// layout is the page directory of a file, checked against its size before
// any pixel data is read.
type layout struct {
	r       io.ReaderAt
	size    int64
	order   binary.ByteOrder
	bigTIFF bool
	pages   []page
}

// Read decodes a stack from path. Spacing is set to 1 on every axis; callers
// assign the real spacing.
func Read(path string) (*volume.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	img, err := Decode(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return img, nil
}

// Stat walks the page directory of path without reading pixels.
func Stat(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	l, err := scan(f, st.Size())
	if err != nil {
		return Info{}, fmt.Errorf("stat %s: %w", path, err)
	}
	first := l.pages[0]
	info := Info{
		Pages:         len(l.pages),
		Width:         int(first.width),
		Height:        int(first.height),
		BitsPerSample: first.bits,
		Compression:   first.compression,
		ByteOrder:     "little",
		BigTIFF:       l.bigTIFF,
	}
	if l.order == binary.BigEndian {
		info.ByteOrder = "big"
	}
	return info, nil
}

// Decode reads a stack from r, which holds size bytes. Pixel data is decoded
// page by page once the directory has been checked against size.
func Decode(r io.ReaderAt, size int64) (*volume.Image, error) {
	l, err := scan(r, size)
	if err != nil {
		return nil, err
	}

	first := l.pages[0]
	img, err := volume.New([3]int{len(l.pages), int(first.height), int(first.width)}, volume.Broadcast(1), volume.ArrayOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	tr, err := tiff.OpenReader(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer tr.Close()
	if tr.ImageNum() != len(l.pages) {
		return nil, fmt.Errorf("%w: %d directories, expected %d", ErrFormat, tr.ImageNum(), len(l.pages))
	}

	plane := int(first.width * first.height)
	for z := range l.pages {
		m, err := decodePage(tr, z)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", z, err)
		}
		if b := m.Bounds(); int64(b.Dx()) != first.width || int64(b.Dy()) != first.height {
			return nil, fmt.Errorf("%w: page %d decoded as %dx%d", ErrFormat, z, b.Dx(), b.Dy())
		}
		gray16(m, img.Voxels[z*plane:(z+1)*plane])
	}
	return img, nil
}

// decodePage decodes one page. The strip decoder indexes its buffers by the
// declared geometry, so a panic there is reported as a format error.
func decodePage(tr *tiff.Reader, z int) (m image.Image, err error) {
	defer func() {
		if p := recover(); p != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrFormat, p)
		}
	}()
	m, err = tr.DecodeImage(z, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return m, nil
}

// scan walks the directory chain. Every count is bounded by the file size
// before it is used, and the declared shape is checked against the bytes the
// strips can actually hold.
func scan(r io.ReaderAt, size int64) (*layout, error) {
	header := make([]byte, 16)
	n, _ := r.ReadAt(header, 0)
	if n < 8 {
		return nil, fmt.Errorf("%w: short header", ErrFormat)
	}

	l := &layout{r: r, size: size}
	switch {
	case header[0] == 'I' && header[1] == 'I':
		l.order = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		l.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad byte order mark", ErrFormat)
	}

	var offset int64
	switch magic := l.order.Uint16(header[2:4]); magic {
	case 42:
		offset = int64(l.order.Uint32(header[4:8]))
	case 43:
		if n < 16 || l.order.Uint16(header[4:6]) != 8 {
			return nil, fmt.Errorf("%w: bad BigTIFF header", ErrFormat)
		}
		l.bigTIFF = true
		off := l.order.Uint64(header[8:16])
		if off > uint64(size) {
			return nil, fmt.Errorf("%w: first directory past end of file", ErrFormat)
		}
		offset = int64(off)
	default:
		return nil, fmt.Errorf("%w: magic %d", ErrFormat, magic)
	}

	seen := make(map[int64]bool)
	for offset != 0 {
		if seen[offset] {
			return nil, fmt.Errorf("%w: directory loop at offset %d", ErrFormat, offset)
		}
		if len(l.pages) >= maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", ErrUnsupported, maxPages)
		}
		seen[offset] = true

		p, next, err := l.readIFD(offset)
		if err != nil {
			return nil, err
		}
		l.pages = append(l.pages, p)
		offset = next
	}
	if len(l.pages) == 0 {
		return nil, fmt.Errorf("%w: no pages", ErrFormat)
	}
	if err := l.check(); err != nil {
		return nil, err
	}
	return l, nil
}

// check rejects layouts whose declared shape cannot be backed by the file.
func (l *layout) check() error {
	first := l.pages[0]
	var total int64
	for i, p := range l.pages {
		if p.width != first.width || p.height != first.height || p.bits != first.bits {
			return fmt.Errorf("%w: page %d is %dx%d@%d, first page is %dx%d@%d",
				ErrFormat, i, p.width, p.height, p.bits, first.width, first.height, first.bits)
		}
		if p.samples != 1 {
			return fmt.Errorf("%w: %d samples per pixel", ErrUnsupported, p.samples)
		}
		if p.sampleFormat != 1 {
			return fmt.Errorf("%w: sample format %d", ErrUnsupported, p.sampleFormat)
		}
		if p.bits != 8 && p.bits != 16 {
			return fmt.Errorf("%w: %d bits per sample", ErrUnsupported, p.bits)
		}
		if p.photometric != photoBlackIsZero && p.photometric != photoWhiteIsZero {
			return fmt.Errorf("%w: photometric %d", ErrUnsupported, p.photometric)
		}
		if p.blocks == 0 || p.blocks != p.blockCounts {
			return fmt.Errorf("%w: page %d strip table mismatch", ErrFormat, i)
		}

		need, err := pageBytes(p)
		if err != nil {
			return err
		}
		limit := p.dataBytes
		if p.compression != compressionNone {
			limit *= maxExpansion
		}
		if need > limit {
			return fmt.Errorf("%w: page %d declares %d bytes of pixels, strips hold %d", ErrFormat, i, need, p.dataBytes)
		}
		total += p.dataBytes
		if total > l.size {
			return fmt.Errorf("%w: strips hold more bytes than the file", ErrFormat)
		}
	}
	if int64(len(l.pages)) > volume.MaxVoxels/(first.width*first.height) {
		return fmt.Errorf("%w: %d pages of %dx%d exceed %d voxels", ErrFormat, len(l.pages), first.width, first.height, volume.MaxVoxels)
	}
	return nil
}

// pageBytes is the uncompressed size of one page, refusing shapes past the
// volume cap before they can overflow.
func pageBytes(p page) (int64, error) {
	if p.width <= 0 || p.height <= 0 {
		return 0, fmt.Errorf("%w: page without dimensions", ErrFormat)
	}
	if p.width > volume.MaxVoxels || p.height > volume.MaxVoxels/p.width {
		return 0, fmt.Errorf("%w: page %dx%d exceeds %d voxels", ErrFormat, p.width, p.height, volume.MaxVoxels)
	}
	return p.width * p.height * int64(p.bits/8), nil
}

func (l *layout) readIFD(offset int64) (page, int64, error) {
	countSize, entrySize, ptrSize := int64(2), int64(12), int64(4)
	if l.bigTIFF {
		countSize, entrySize, ptrSize = 8, 20, 8
	}
	if offset+countSize > l.size {
		return page{}, 0, fmt.Errorf("%w: directory at %d past end of file", ErrFormat, offset)
	}
	cb := make([]byte, countSize)
	if _, err := l.r.ReadAt(cb, offset); err != nil {
		return page{}, 0, fmt.Errorf("%w: directory at %d: %v", ErrFormat, offset, err)
	}
	var n int64
	if l.bigTIFF {
		c := l.order.Uint64(cb)
		if c > uint64(l.size/entrySize) {
			return page{}, 0, fmt.Errorf("%w: directory at %d claims %d entries", ErrFormat, offset, c)
		}
		n = int64(c)
	} else {
		n = int64(l.order.Uint16(cb))
	}
	if offset+countSize+n*entrySize+ptrSize > l.size {
		return page{}, 0, fmt.Errorf("%w: directory at %d truncated", ErrFormat, offset)
	}
	buf := make([]byte, n*entrySize+ptrSize)
	if _, err := l.r.ReadAt(buf, offset+countSize); err != nil {
		return page{}, 0, fmt.Errorf("%w: directory at %d truncated", ErrFormat, offset)
	}

	p := page{
		bits:         1,
		samples:      1,
		compression:  compressionNone,
		photometric:  photoBlackIsZero,
		sampleFormat: 1,
	}
	for i := int64(0); i < n; i++ {
		e := buf[i*entrySize : (i+1)*entrySize]
		tag := l.order.Uint16(e[0:2])
		vals, err := l.values(e)
		if err != nil {
			return page{}, 0, err
		}
		if len(vals) == 0 {
			continue
		}
		switch tag {
		case tagImageWidth:
			p.width = int64(vals[0])
		case tagImageLength:
			p.height = int64(vals[0])
		case tagBitsPerSample:
			p.bits = int(vals[0])
		case tagCompression:
			p.compression = int(vals[0])
		case tagPhotometric:
			p.photometric = int(vals[0])
		case tagStripOffsets, tagTileOffsets:
			p.blocks = len(vals)
		case tagSamplesPerPixel:
			p.samples = int(vals[0])
		case tagStripByteCounts, tagTileByteCounts:
			p.blockCounts = len(vals)
			for _, v := range vals {
				p.dataBytes += int64(v)
				if p.dataBytes > l.size {
					return page{}, 0, fmt.Errorf("%w: strip byte counts exceed the file", ErrFormat)
				}
			}
		case tagSubIFDs:
			return page{}, 0, fmt.Errorf("%w: sub-directories", ErrUnsupported)
		case tagSampleFormat:
			p.sampleFormat = int(vals[0])
		}
	}

	var next uint64
	if l.bigTIFF {
		next = l.order.Uint64(buf[n*entrySize:])
	} else {
		next = uint64(l.order.Uint32(buf[n*entrySize:]))
	}
	if next > uint64(l.size) {
		return page{}, 0, fmt.Errorf("%w: next directory past end of file", ErrFormat)
	}
	return p, int64(next), nil
}

// values checks that an entry's payload lies inside the file and decodes it
// when it is an unsigned integer list. Other field types are checked only.
func (l *layout) values(e []byte) ([]uint64, error) {
	typ := l.order.Uint16(e[2:4])
	var count uint64
	var raw []byte
	if l.bigTIFF {
		count, raw = l.order.Uint64(e[4:12]), e[12:20]
	} else {
		count, raw = uint64(l.order.Uint32(e[4:8])), e[8:12]
	}

	width, ok := typeSizes[typ]
	if !ok {
		return nil, nil
	}
	if count > uint64(l.size) {
		return nil, fmt.Errorf("%w: entry claims %d values", ErrFormat, count)
	}
	total := int64(count) * width
	if total > int64(len(raw)) {
		var off int64
		if l.bigTIFF {
			off = int64(l.order.Uint64(raw))
		} else {
			off = int64(l.order.Uint32(raw))
		}
		if off < 0 || off > l.size-total {
			return nil, fmt.Errorf("%w: entry data past end of file", ErrFormat)
		}
		switch typ {
		case typeByte, typeShort, typeLong, typeLong8:
		default:
			return nil, nil
		}
		raw = make([]byte, total)
		if _, err := l.r.ReadAt(raw, off); err != nil {
			return nil, fmt.Errorf("%w: entry data: %v", ErrFormat, err)
		}
	}

	out := make([]uint64, count)
	for i := range out {
		switch typ {
		case typeByte:
			out[i] = uint64(raw[i])
		case typeShort:
			out[i] = uint64(l.order.Uint16(raw[i*2:]))
		case typeLong:
			out[i] = uint64(l.order.Uint32(raw[i*4:]))
		case typeLong8:
			out[i] = l.order.Uint64(raw[i*8:])
		default:
			return nil, nil
		}
	}
	return out, nil
}

// gray16 copies a decoded page into dst in row-major order. 8-bit samples
// keep their raw values.
func gray16(src image.Image, dst []uint16) {
	b := src.Bounds()
	w := b.Dx()
	switch m := src.(type) {
	case *image.Gray16:
		for y := 0; y < b.Dy(); y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < w; x++ {
				dst[y*w+x] = uint16(row[2*x])<<8 | uint16(row[2*x+1])
			}
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < w; x++ {
				dst[y*w+x] = uint16(row[x])
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				g := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16)
				dst[(y-b.Min.Y)*w+(x-b.Min.X)] = g.Y
			}
		}
	}
}
