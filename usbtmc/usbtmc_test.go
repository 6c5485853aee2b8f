package usbtmc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBulkOutFraming(t *testing.T) {
	msg := encBulkOut(7, []byte(":FREQ 1E9"))
	if len(msg)%alignment != 0 {
		t.Errorf("transfer of %d bytes is not 4-byte aligned", len(msg))
	}
	if msg[0] != msgDevDepOut || msg[1] != 7 || msg[2] != 0xf8 {
		t.Errorf("bad header % x", msg[:4])
	}
	if size := binary.LittleEndian.Uint32(msg[4:8]); size != 9 {
		t.Errorf("transfer size %d, expected 9", size)
	}
	if msg[8] != 0x01 {
		t.Error("EOM bit not set")
	}
	if !bytes.Equal(msg[headerSize:headerSize+9], []byte(":FREQ 1E9")) {
		t.Errorf("payload mangled: %q", msg[headerSize:])
	}
}

func TestTagsSkipZero(t *testing.T) {
	var g tagGen
	seen := map[byte]bool{}
	for i := 0; i < 600; i++ {
		tag := g.next()
		if tag == 0 {
			t.Fatal("bTag 0 is not allowed")
		}
		seen[tag] = true
	}
	if len(seen) != 255 {
		t.Errorf("expected 255 distinct tags, saw %d", len(seen))
	}
}

// fakeInstrument answers every read request with its reply, echoing the tag
type fakeInstrument struct {
	written [][]byte
	reply   []byte
	lastTag byte
}

func (f *fakeInstrument) Write(p []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), p...))
	if p[0] == msgDevDepInReq {
		f.lastTag = p[1]
	}
	return len(p), nil
}

func (f *fakeInstrument) Read(p []byte) (int, error) {
	hdr := make([]byte, headerSize)
	hdr[0] = msgDevDepInReq
	hdr[1] = f.lastTag
	hdr[2] = invbTag(f.lastTag)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(f.reply)))
	hdr[8] = 0x01
	return copy(p, append(append(hdr, f.reply...), 0, 0, 0)), nil
}

func TestDeviceRoundTrip(t *testing.T) {
	fake := &fakeInstrument{reply: []byte("5.0E9\n")}
	term := byte('\n')
	d := &Device{in: fake, out: fake, term: &term}
	if n, err := d.Write([]byte(":FREQ?")); err != nil || n != 6 {
		t.Fatalf("write returned %d, %v", n, err)
	}
	buf := make([]byte, 64)
	n, err := d.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "5.0E9\n" {
		t.Errorf("expected 5.0E9, got %q", buf[:n])
	}
	req := fake.written[1]
	if req[0] != msgDevDepInReq || req[8] != 0x02 || req[9] != '\n' {
		t.Errorf("read request header % x does not ask for a newline terminator", req)
	}
	if fake.written[0][1] == req[1] {
		t.Error("consecutive transfers reused a bTag")
	}
}

func TestDecodeRejectsBadResponses(t *testing.T) {
	if _, err := decBulkIn(3, []byte{1, 2}); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
	resp := make([]byte, headerSize)
	resp[0], resp[1], resp[2] = msgDevDepInReq, 4, invbTag(4)
	if _, err := decBulkIn(3, resp); !errors.Is(err, ErrBadTag) {
		t.Errorf("expected ErrBadTag, got %v", err)
	}
	binary.LittleEndian.PutUint32(resp[4:8], 100)
	if _, err := decBulkIn(4, resp); err == nil {
		t.Error("an oversize transfer length should be rejected")
	}
}
