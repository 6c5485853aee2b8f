/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and a Device that carries a message based
protocol such as SCPI over the bulk endpoints.

It does not include features to support multi-packet messaging, and thus
assumes each message fits in one bulk transfer.

To send a message:
1.  Write the DEV_DEP_MSG_OUT header
2.  Write your data
3.  Pad the total transmission to a multiple of 4 bytes

To receive a message:
1.  Send a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  Read the response from the In endpoint and strip its header

These are implemented as Write and Read on Device, which satisfies
io.ReadWriteCloser and can be handed to a comm.Pool.
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/gousb"
)

const (
	// reserved is the byte to insert in reserved header fields
	reserved = 0x00

	headerSize = 12
	alignment  = 4

	msgDevDepOut   = 0x01
	msgDevDepInReq = 0x02

	// MaxTransfer is the largest message read in one bulk transfer
	MaxTransfer = 4096
)

var (
	// ErrShortHeader is generated when fewer than 12 bytes are received
	ErrShortHeader = errors.New("usbtmc: response shorter than its header")

	// ErrBadTag is generated when a response does not echo the request's bTag
	ErrBadTag = errors.New("usbtmc: response bTag does not match request")
)

// tagGen is a concurrent-safe bTag generator.  Tags cycle through 1..255.
type tagGen struct {
	sync.Mutex
	value byte
}

func (b *tagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOut creates a DEV_DEP_MSG_OUT transfer with the header defined in
// USBTMC standard, Table 3, followed by data and padding
func encBulkOut(tag byte, data []byte) []byte {
	/* data map by offset:
	0 MsgID
	1 bTag, unique and incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, LSB first, exclusive of header and alignment
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	size := headerSize + len(data)
	if r := size % alignment; r > 0 {
		size += alignment - r
	}
	out := make([]byte, size)
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(data)))
	out[8] = 0x01 // end of message
	copy(out[headerSize:], data)
	return out
}

// encBulkInRequest creates the REQUEST_DEV_DEP_MSG_IN header defined in
// USBTMC standard, Table 4.  If terminator is nil the device is told to
// ignore the termination character.
func encBulkInRequest(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	out[0] = msgDevDepInReq
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decBulkIn validates a DEV_DEP_MSG_IN transfer against the tag of its
// request and returns the payload
func decBulkIn(tag byte, buf []byte) ([]byte, error) {
	if len(buf) < headerSize {
		return nil, ErrShortHeader
	}
	if buf[0] != msgDevDepInReq {
		return nil, fmt.Errorf("usbtmc: unexpected MsgID %d in response", buf[0])
	}
	if buf[1] != tag || buf[2] != invbTag(tag) {
		return nil, ErrBadTag
	}
	size := int(binary.LittleEndian.Uint32(buf[4:8]))
	payload := buf[headerSize:]
	if size > len(payload) {
		return nil, fmt.Errorf("usbtmc: header announces %d bytes, %d received", size, len(payload))
	}
	return payload[:size], nil
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser.  Each
// Write is one message; each Read requests and returns one message.
type Device struct {
	tags tagGen
	term *byte
	in   io.Reader
	out  io.Writer

	closers []func() error
}

// Open opens the first USBTMC device with the given vendor and product ID.
// Responses are requested to end on '\n'.
func Open(vid, pid uint16) (*Device, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err == nil && dev == nil {
		err = fmt.Errorf("usbtmc: no device %04x:%04x", vid, pid)
	}
	if err != nil {
		ctx.Close()
		return nil, err
	}
	d := &Device{closers: []func() error{ctx.Close, dev.Close}}
	fail := func(err error) (*Device, error) {
		d.Close()
		return nil, err
	}
	if err = dev.SetAutoDetach(true); err != nil {
		return fail(err)
	}
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		return fail(err)
	}
	d.closers = append(d.closers, func() error { done(); return nil })
	in, err := iface.InEndpoint(2)
	if err != nil {
		return fail(err)
	}
	out, err := iface.OutEndpoint(2)
	if err != nil {
		return fail(err)
	}
	term := byte('\n')
	d.in, d.out, d.term = in, out, &term
	return d, nil
}

// Write sends p as one message
func (d *Device) Write(p []byte) (int, error) {
	if _, err := d.out.Write(encBulkOut(d.tags.next(), p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read requests one message from the device and copies it into p
func (d *Device) Read(p []byte) (int, error) {
	tag := d.tags.next()
	hdr := encBulkInRequest(tag, MaxTransfer, d.term)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return 0, err
	}
	if n != headerSize {
		return 0, fmt.Errorf("usbtmc: wrote %d bytes, not full %d required to transmit read request", n, headerSize)
	}
	buf := make([]byte, MaxTransfer+headerSize+alignment)
	n, err = d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	payload, err := decBulkIn(tag, buf[:n])
	if err != nil {
		return 0, err
	}
	return copy(p, payload), nil
}

// Close releases the interface and the device
func (d *Device) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}
