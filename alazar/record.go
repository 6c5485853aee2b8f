package alazar

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/snksoft/crc"
)

// raw record files are a stream of frames:
// [magic "ATSR"] [header, 48 bytes] [data, 2 bytes per sample] [CRC-16]
// the header is index u64, timestamp i64 (unix ns), samplesPerRecord u32,
// recordsPerBuffer u32, channels u32, sample count u32, fullScale f64 and
// sampleRate f64.  All fields are little endian.  The CRC is XMODEM over the
// header and data.

var (
	frameMagic = []byte("ATSR")

	frameOrder = binary.LittleEndian

	crcTable = crc.NewTable(crc.XMODEM)

	// ErrCRCMismatch is generated when a frame fails its checksum
	ErrCRCMismatch = errors.New("record frame CRC mismatch, file is corrupt")

	// ErrBadMagic is generated when a frame does not start with the magic bytes
	ErrBadMagic = errors.New("record frame does not begin with ATSR")
)

const (
	frameHeaderSize = 48

	// maxFrameSamples guards against allocating absurd sizes from corrupt headers
	maxFrameSamples = 1 << 28
)

// crcHelper computes the two-byte CRC value of a frame body
func crcHelper(bufs ...[]byte) []byte {
	c := crcTable.InitCrc()
	for _, b := range bufs {
		c = crcTable.UpdateCrc(c, b)
	}
	out := make([]byte, 2)
	frameOrder.PutUint16(out, crcTable.CRC16(c))
	return out
}

// RecordWriter writes buffers to a raw record stream
type RecordWriter struct {
	w   *bufio.Writer
	hdr [frameHeaderSize]byte
	buf []byte
}

// NewRecordWriter wraps w
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriter(w)}
}

// Write appends one buffer as a frame
func (rw *RecordWriter) Write(b Buffer) error {
	h := rw.hdr[:]
	frameOrder.PutUint64(h[0:], uint64(b.Index))
	frameOrder.PutUint64(h[8:], uint64(b.Timestamp.UnixNano()))
	frameOrder.PutUint32(h[16:], uint32(b.Geometry.SamplesPerRecord))
	frameOrder.PutUint32(h[20:], uint32(b.Geometry.RecordsPerBuffer))
	frameOrder.PutUint32(h[24:], uint32(b.Geometry.Channels))
	frameOrder.PutUint32(h[28:], uint32(len(b.Data)))
	frameOrder.PutUint64(h[32:], math.Float64bits(b.FullScale))
	frameOrder.PutUint64(h[40:], math.Float64bits(b.SampleRate))

	n := len(b.Data) * bytesPerSample
	if cap(rw.buf) < n {
		rw.buf = make([]byte, n)
	}
	data := rw.buf[:n]
	for i, v := range b.Data {
		frameOrder.PutUint16(data[2*i:], v)
	}
	for _, chunk := range [][]byte{frameMagic, h, data, crcHelper(h, data)} {
		if _, err := rw.w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes buffered frames to the underlying writer
func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// RecordReader reads buffers back from a raw record stream
type RecordReader struct {
	r *bufio.Reader
}

// NewRecordReader wraps r
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next returns the next buffer, or io.EOF at a clean end of stream
func (rr *RecordReader) Next() (Buffer, error) {
	var b Buffer
	magic := make([]byte, len(frameMagic))
	if _, err := io.ReadFull(rr.r, magic); err != nil {
		return b, err // io.EOF at the boundary
	}
	if !bytes.Equal(magic, frameMagic) {
		return b, ErrBadMagic
	}
	h := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(rr.r, h); err != nil {
		return b, fmt.Errorf("reading frame header: %w", io.ErrUnexpectedEOF)
	}
	nsamp := int(frameOrder.Uint32(h[28:]))
	if nsamp > maxFrameSamples {
		return b, fmt.Errorf("frame claims %d samples, more than the %d allowed", nsamp, maxFrameSamples)
	}
	data := make([]byte, nsamp*bytesPerSample)
	if _, err := io.ReadFull(rr.r, data); err != nil {
		return b, fmt.Errorf("reading frame data: %w", io.ErrUnexpectedEOF)
	}
	crcRecv := make([]byte, 2)
	if _, err := io.ReadFull(rr.r, crcRecv); err != nil {
		return b, fmt.Errorf("reading frame CRC: %w", io.ErrUnexpectedEOF)
	}
	if !bytes.Equal(crcRecv, crcHelper(h, data)) {
		return b, ErrCRCMismatch
	}
	b.Index = int(frameOrder.Uint64(h[0:]))
	b.Timestamp = time.Unix(0, int64(frameOrder.Uint64(h[8:])))
	b.Geometry = Geometry{
		SamplesPerRecord: int(frameOrder.Uint32(h[16:])),
		RecordsPerBuffer: int(frameOrder.Uint32(h[20:])),
		Channels:         int(frameOrder.Uint32(h[24:])),
	}
	b.FullScale = math.Float64frombits(frameOrder.Uint64(h[32:]))
	b.SampleRate = math.Float64frombits(frameOrder.Uint64(h[40:]))
	b.Data = make([]uint16, nsamp)
	for i := range b.Data {
		b.Data[i] = frameOrder.Uint16(data[2*i:])
	}
	return b, nil
}
