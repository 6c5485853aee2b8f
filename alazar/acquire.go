package alazar

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"
)

// Buffer is a completed DMA buffer copied out of the ring.
//
// In NPT mode the board writes every record of channel A, then every record
// of channel B.  Record resolves that layout.
type Buffer struct {
	// Index counts buffers from zero within one acquisition
	Index int

	// Timestamp is the host time the buffer completed
	Timestamp time.Time

	// Data holds the raw left-justified 12-bit samples
	Data []uint16

	// Geometry describes the layout of Data
	Geometry Geometry

	// FullScale is the input range in volts
	FullScale float64

	// SampleRate is the effective sample rate in samples per second
	SampleRate float64

	pool *sync.Pool
}

// Record returns the samples of record r of the channel at position ch
// (0 for the first enabled channel)
func (b Buffer) Record(ch, r int) []uint16 {
	spr := b.Geometry.SamplesPerRecord
	start := (ch*b.Geometry.RecordsPerBuffer + r) * spr
	return b.Data[start : start+spr]
}

// Volts converts record r of channel ch to volts, writing into dst if it
// is large enough
func (b Buffer) Volts(ch, r int, dst []float64) []float64 {
	rec := b.Record(ch, r)
	if cap(dst) < len(rec) {
		dst = make([]float64, len(rec))
	}
	dst = dst[:len(rec)]
	for i, code := range rec {
		dst[i] = CodeToVolts(code, b.FullScale)
	}
	return dst
}

// Release returns the backing array for reuse.  The buffer must not be used
// afterwards, and must be released at most once.
func (b *Buffer) Release() {
	if b.pool == nil || b.Data == nil {
		return
	}
	data := b.Data
	b.Data = nil
	b.pool.Put(&data)
}

// Stats summarizes a finished acquisition
type Stats struct {
	// Buffers is the number of buffers delivered to the consumer
	Buffers int `json:"buffers"`

	// Bytes is the number of bytes delivered
	Bytes int64 `json:"bytes"`

	// Elapsed is the time from StartCapture to the last buffer
	Elapsed time.Duration `json:"elapsed"`
}

// BytesPerSecond is the average transfer rate
func (s Stats) BytesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// BuffersPerSecond is the average buffer completion rate
func (s Stats) BuffersPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Buffers) / s.Elapsed.Seconds()
}

func (d *Digitizer) getBuffer(n int) []uint16 {
	if v := d.pool.Get(); v != nil {
		buf := *(v.(*[]uint16))
		if cap(buf) >= n {
			return buf[:n]
		}
	}
	return make([]uint16, n)
}

// Acquire runs one NPT acquisition, sending every completed buffer on out.
//
// The loop waits on the ring in order, copies each completed buffer, reposts
// it, then hands the copy to the consumer.  It ends after
// Config.BuffersPerAcquisition buffers (never, if zero), when ctx is done, or
// on the first SDK error, including a DMA wait timeout.  AbortAsyncRead is
// always called before returning.  Cancellation is not an error.
//
// out is not closed; the consumer must Release each buffer it receives.
func (d *Digitizer) Acquire(ctx context.Context, out chan<- Buffer) (Stats, error) {
	var stats Stats
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return stats, ErrNotConfigured
	}
	if d.acquiring != nil {
		d.mu.Unlock()
		return stats, ErrBusy
	}
	cfg := d.cfg
	done := make(chan struct{})
	d.acquiring = done
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.acquiring = nil
		d.mu.Unlock()
		close(done)
	}()
	geom := cfg.Geometry()
	fullScale, err := cfg.InputRange.FullScale()
	if err != nil {
		return stats, err
	}
	nsamp := geom.SamplesPerBuffer()

	ring := make([][]uint16, 0, cfg.BufferCount)
	defer func() {
		for _, buf := range ring {
			if err := d.board.FreeBuffer(buf); err != nil {
				glog.Warningf("[alazar] freeing DMA buffer: %v", err)
			}
		}
	}()
	for i := 0; i < cfg.BufferCount; i++ {
		buf, err := d.board.AllocBuffer(nsamp)
		if err != nil {
			return stats, enrich(err, "AlazarAllocBufferU16")
		}
		ring = append(ring, buf)
	}

	err = enrich(d.board.SetRecordSize(0, uint32(cfg.SamplesPerRecord)), "AlazarSetRecordSize")
	if err != nil {
		return stats, err
	}
	recordsPerAcquisition := uint32(0x7FFFFFFF) // infinite
	if cfg.BuffersPerAcquisition > 0 {
		recordsPerAcquisition = uint32(cfg.BuffersPerAcquisition * cfg.RecordsPerBuffer)
	}
	err = enrich(d.board.BeforeAsyncRead(cfg.Channels, uint32(cfg.SamplesPerRecord),
		uint32(cfg.RecordsPerBuffer), recordsPerAcquisition,
		AdmaExternalStartcapture|AdmaNPT), "AlazarBeforeAsyncRead")
	defer func() {
		if err := d.board.AbortAsyncRead(); err != nil {
			glog.Warningf("[alazar] AlazarAbortAsyncRead: %v", err)
		}
	}()
	if err != nil {
		return stats, err
	}
	for _, buf := range ring {
		err = enrich(d.board.PostAsyncBuffer(buf), "AlazarPostAsyncBuffer")
		if err != nil {
			return stats, err
		}
	}
	err = enrich(d.board.StartCapture(), "AlazarStartCapture")
	if err != nil {
		return stats, err
	}
	start := time.Now()
	glog.V(1).Infof("[alazar] capture started, %d buffers of %d bytes in ring", len(ring), geom.BytesPerBuffer())

	progress := rate.NewLimiter(rate.Every(time.Second), 1)
	for cfg.BuffersPerAcquisition == 0 || stats.Buffers < cfg.BuffersPerAcquisition {
		if ctx.Err() != nil {
			glog.V(1).Infof("[alazar] acquisition cancelled after %d buffers", stats.Buffers)
			break
		}
		dma := ring[stats.Buffers%len(ring)]
		err = enrich(d.board.WaitAsyncBufferComplete(dma, cfg.WaitTimeout), "AlazarWaitAsyncBufferComplete")
		if err != nil {
			return stats, err
		}
		b := Buffer{
			Index:      stats.Buffers,
			Timestamp:  time.Now(),
			Data:       d.getBuffer(nsamp),
			Geometry:   geom,
			FullScale:  fullScale,
			SampleRate: cfg.EffectiveSampleRate(),
			pool:       d.pool,
		}
		copy(b.Data, dma)
		err = enrich(d.board.PostAsyncBuffer(dma), "AlazarPostAsyncBuffer")
		if err != nil {
			b.Release()
			return stats, err
		}
		select {
		case out <- b:
		case <-ctx.Done():
			b.Release()
			glog.V(1).Infof("[alazar] acquisition cancelled after %d buffers", stats.Buffers)
			return stats, nil
		}
		stats.Buffers++
		stats.Bytes += int64(geom.BytesPerBuffer())
		stats.Elapsed = time.Since(start)
		if progress.Allow() {
			glog.Infof("[alazar] %d buffers, %.1f MB/s", stats.Buffers, stats.BytesPerSecond()/1e6)
		}
	}
	return stats, nil
}
