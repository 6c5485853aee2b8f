/*Command atsstream runs one streaming acquisition from the command line and
writes the accumulated result to disk.

	atsstream -mock -buffers 200 -rps 2 -mode demod -fits out.fits -csv out.csv

With -raw every buffer is also appended to a record file before processing.
Interrupt stops the acquisition early; the result so far is still written.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/theckman/yacspin"

	"github.com/qcoherence/qubitlab/alazar"
	"github.com/qcoherence/qubitlab/measure"
	"github.com/qcoherence/qubitlab/stream"
)

type options struct {
	mock           bool
	system, board  int
	samples        int
	records        int
	buffers        int
	rps            int
	mode           string
	ifreq          float64
	start, stop    int
	fits, csv, raw string
	internalClock  bool
	sampleRate     float64
}

func parseFlags() options {
	var o options
	flag.BoolVar(&o.mock, "mock", false, "use a simulated board")
	flag.IntVar(&o.system, "system", 1, "board system ID")
	flag.IntVar(&o.board, "board", 1, "board ID within the system")
	flag.IntVar(&o.samples, "samples", 1024, "samples per record")
	flag.IntVar(&o.records, "records", 100, "records per buffer")
	flag.IntVar(&o.buffers, "buffers", 100, "buffers to acquire, 0 streams until interrupted")
	flag.IntVar(&o.rps, "rps", 1, "records per sequence")
	flag.StringVar(&o.mode, "mode", string(stream.ModeDemod), "processing mode: raw, demod, filter or spectrum")
	flag.Float64Var(&o.ifreq, "if", 50e6, "intermediate frequency in Hz")
	flag.IntVar(&o.start, "start", 0, "first sample of the integration window")
	flag.IntVar(&o.stop, "stop", 0, "end of the integration window, 0 for the end of the record")
	flag.StringVar(&o.fits, "fits", "", "write the result to this FITS file")
	flag.StringVar(&o.csv, "csv", "", "write the result to this CSV file")
	flag.StringVar(&o.raw, "raw", "", "append raw buffers to this record file")
	flag.BoolVar(&o.internalClock, "internal-clock", false, "use the internal sample clock instead of the 10 MHz reference")
	flag.Float64Var(&o.sampleRate, "rate", 1e9, "sample rate in samples per second")
	flag.Parse()
	return o
}

func (o options) configs() (alazar.Config, stream.Config, error) {
	acq := alazar.DefaultConfig()
	acq.SamplesPerRecord = o.samples
	acq.RecordsPerBuffer = o.records
	acq.BuffersPerAcquisition = o.buffers
	acq.SampleRate = o.sampleRate
	if o.internalClock {
		acq.ClockSource = alazar.InternalClock
	}
	mode, err := stream.ParseMode(o.mode)
	if err != nil {
		return acq, stream.Config{}, err
	}
	proc := stream.DefaultConfig()
	proc.Mode = mode
	proc.RecordsPerSequence = o.rps
	proc.IF = o.ifreq
	proc.Start, proc.Stop = o.start, o.stop
	return acq, proc, nil
}

func writeFile(name string, enc func(f *os.File) error) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err = enc(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	o := parseFlags()
	defer glog.Flush()
	if err := run(o); err != nil {
		glog.Error(err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(o options) error {
	acq, proc, err := o.configs()
	if err != nil {
		return err
	}
	var board alazar.Board
	if o.mock {
		board = alazar.NewMockBoard()
	} else if board, err = alazar.Open(o.system, o.board); err != nil {
		return err
	}
	dig := alazar.NewDigitizer(board)
	defer dig.Close()
	sess := measure.NewSession(dig, proc, measure.Options{})
	if err = sess.Configure(acq); err != nil {
		return err
	}
	if o.raw != "" {
		f, err := os.OpenFile(o.raw, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		sess.SetRecorder(alazar.NewRecordWriter(f))
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " acquiring",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err = sess.Start(ctx); err != nil {
		return err
	}
	spinner.Start()
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
Loop:
	for {
		select {
		case err = <-done:
			break Loop
		case <-tick.C:
			st := sess.Status()
			total := "∞"
			if acq.BuffersPerAcquisition > 0 {
				total = fmt.Sprint(acq.BuffersPerAcquisition)
			}
			spinner.Message(fmt.Sprintf("%d/%s buffers, %d queued, %.1f buffers/s", st.Processed, total, st.Queued, st.Rate))
		}
	}
	st := sess.Status()
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(fmt.Sprintf("%d buffers in %s", st.Processed, time.Since(st.Started).Round(time.Millisecond)))
	spinner.Stop()

	res, ok := sess.Latest()
	if !ok {
		return fmt.Errorf("no buffer was processed")
	}
	glog.Infof("%d sequences accumulated, amplitude %g", res.Sequences, res.Amplitude)
	if o.fits != "" {
		if err = writeFile(o.fits, func(f *os.File) error { return stream.WriteFITS(f, res) }); err != nil {
			return err
		}
	}
	if o.csv != "" {
		if err = writeFile(o.csv, func(f *os.File) error { return stream.EncodeCSV(f, res) }); err != nil {
			return err
		}
	}
	return nil
}
