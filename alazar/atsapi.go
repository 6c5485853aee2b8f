//go:build atsapi
// +build atsapi

package alazar

/*
#cgo linux LDFLAGS: -lATSApi
#cgo windows LDFLAGS: -lATSApi
#include <stdlib.h>
#include <AlazarApi.h>
*/
import "C"
import (
	"fmt"
	"time"
	"unsafe"
)

// SDKBoard is a Board backed by the ATSApi library
type SDKBoard struct {
	handle C.HANDLE
}

// Open finds a board by system and board ID, both 1-based as in the SDK
func Open(systemID, boardID int) (Board, error) {
	h := C.AlazarGetBoardBySystemID(C.U32(systemID), C.U32(boardID))
	if h == nil {
		return nil, fmt.Errorf("AlazarGetBoardBySystemID: no board at system %d board %d", systemID, boardID)
	}
	return &SDKBoard{handle: h}, nil
}

func u32bool(b bool) C.U32 {
	if b {
		return 1
	}
	return 0
}

// SetCaptureClock is AlazarSetCaptureClock
func (b *SDKBoard) SetCaptureClock(src ClockSource, rate uint32, edge uint32, decimation uint32) error {
	return Check(int(C.AlazarSetCaptureClock(b.handle, C.U32(src), C.U32(rate), C.U32(edge), C.U32(decimation))))
}

// InputControl is AlazarInputControlEx
func (b *SDKBoard) InputControl(ch Channel, coupling Coupling, rng InputRange, imp Impedance) error {
	return Check(int(C.AlazarInputControlEx(b.handle, C.U32(ch), C.U32(coupling), C.U32(rng), C.U32(imp))))
}

// SetBWLimit is AlazarSetBWLimit
func (b *SDKBoard) SetBWLimit(ch Channel, enable bool) error {
	return Check(int(C.AlazarSetBWLimit(b.handle, C.U32(ch), u32bool(enable))))
}

// SetTriggerOperation is AlazarSetTriggerOperation
func (b *SDKBoard) SetTriggerOperation(op uint32, j, k TriggerEngine) error {
	return Check(int(C.AlazarSetTriggerOperation(b.handle, C.U32(op),
		C.U32(j.Engine), C.U32(j.Source), C.U32(j.Slope), C.U32(j.Level),
		C.U32(k.Engine), C.U32(k.Source), C.U32(k.Slope), C.U32(k.Level))))
}

// SetExternalTrigger is AlazarSetExternalTrigger
func (b *SDKBoard) SetExternalTrigger(coupling Coupling, rng ExternalTriggerRange) error {
	return Check(int(C.AlazarSetExternalTrigger(b.handle, C.U32(coupling), C.U32(rng))))
}

// SetTriggerDelay is AlazarSetTriggerDelay
func (b *SDKBoard) SetTriggerDelay(samples uint32) error {
	return Check(int(C.AlazarSetTriggerDelay(b.handle, C.U32(samples))))
}

// SetTriggerTimeOut is AlazarSetTriggerTimeOut
func (b *SDKBoard) SetTriggerTimeOut(ticks uint32) error {
	return Check(int(C.AlazarSetTriggerTimeOut(b.handle, C.U32(ticks))))
}

// ConfigureAuxIO is AlazarConfigureAuxIO
func (b *SDKBoard) ConfigureAuxIO(mode AuxIOMode, param uint32) error {
	return Check(int(C.AlazarConfigureAuxIO(b.handle, C.U32(mode), C.U32(param))))
}

// SetRecordSize is AlazarSetRecordSize
func (b *SDKBoard) SetRecordSize(preTrigger, postTrigger uint32) error {
	return Check(int(C.AlazarSetRecordSize(b.handle, C.U32(preTrigger), C.U32(postTrigger))))
}

// AllocBuffer is AlazarAllocBufferU16.  The memory belongs to C and does not
// move, so it can stay posted to the DMA engine across Go calls.
func (b *SDKBoard) AllocBuffer(n int) ([]uint16, error) {
	ptr := C.AlazarAllocBufferU16(b.handle, C.U32(n))
	if ptr == nil {
		return nil, ApiInsufficientResources
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(ptr)), n), nil
}

// FreeBuffer is AlazarFreeBufferU16
func (b *SDKBoard) FreeBuffer(buf []uint16) error {
	if len(buf) == 0 {
		return nil
	}
	return Check(int(C.AlazarFreeBufferU16(b.handle, (*C.U16)(unsafe.Pointer(&buf[0])))))
}

// BeforeAsyncRead is AlazarBeforeAsyncRead with a zero transfer offset
func (b *SDKBoard) BeforeAsyncRead(channels Channel, samplesPerRecord, recordsPerBuffer, recordsPerAcquisition uint32, flags uint32) error {
	return Check(int(C.AlazarBeforeAsyncRead(b.handle, C.U32(channels), 0,
		C.U32(samplesPerRecord), C.U32(recordsPerBuffer), C.U32(recordsPerAcquisition), C.U32(flags))))
}

// PostAsyncBuffer is AlazarPostAsyncBuffer
func (b *SDKBoard) PostAsyncBuffer(buf []uint16) error {
	return Check(int(C.AlazarPostAsyncBuffer(b.handle, unsafe.Pointer(&buf[0]), C.U32(len(buf)*bytesPerSample))))
}

// WaitAsyncBufferComplete is AlazarWaitAsyncBufferComplete
func (b *SDKBoard) WaitAsyncBufferComplete(buf []uint16, timeout time.Duration) error {
	ms := C.U32(timeout / time.Millisecond)
	return Check(int(C.AlazarWaitAsyncBufferComplete(b.handle, unsafe.Pointer(&buf[0]), ms)))
}

// StartCapture is AlazarStartCapture
func (b *SDKBoard) StartCapture() error {
	return Check(int(C.AlazarStartCapture(b.handle)))
}

// AbortAsyncRead is AlazarAbortAsyncRead
func (b *SDKBoard) AbortAsyncRead() error {
	return Check(int(C.AlazarAbortAsyncRead(b.handle)))
}

// Close is a no-op; board handles are owned by the driver for the life of
// the process
func (b *SDKBoard) Close() error {
	return nil
}
