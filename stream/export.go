package stream

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"
)

// ErrNoData is generated when exporting a result with no completed sequence
var ErrNoData = errors.New("result holds no completed sequence")

// headerCards are the cards shared by every HDU of an exported result
func headerCards(r Result) []fitsio.Card {
	return []fitsio.Card{
		{Name: "NBUF", Value: r.Buffers, Comment: "buffers processed"},
		{Name: "NSEQ", Value: r.Sequences, Comment: "sequences averaged"},
		{Name: "MODE", Value: string(r.Mode), Comment: "processing mode"},
		{Name: "IF", Value: r.IF, Comment: "intermediate frequency, Hz"},
		{Name: "SRATE", Value: r.SampleRate, Comment: "sample rate, S/s"},
		{Name: "DATE-OBS", Value: r.Timestamp.UTC().Format("2006-01-02T15:04:05.000")},
	}
}

// WriteFITS writes the mean and standard deviation of every quantity of r as
// 64-bit float image HDUs, mean then std, in the order of r.Quantities.
func WriteFITS(w io.Writer, r Result) error {
	if len(r.Quantities) == 0 {
		return ErrNoData
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	for _, q := range r.Quantities {
		for _, stat := range []struct {
			name string
			m    *mat.Dense
		}{{"MEAN", q.Mean}, {"STD", q.Std}} {
			rows, cols := stat.m.Dims()
			im := fitsio.NewImage(-64, []int{cols, rows})
			cards := append(headerCards(r),
				fitsio.Card{Name: "EXTNAME", Value: fmt.Sprintf("%s_%s_%s", q.Name, q.Channel, stat.name)},
				fitsio.Card{Name: "QUANTITY", Value: q.Name},
				fitsio.Card{Name: "CHANNEL", Value: q.Channel},
				fitsio.Card{Name: "STAT", Value: stat.name},
			)
			err = im.Header().Append(cards...)
			if err != nil {
				im.Close()
				return err
			}
			err = im.Write(flatten(stat.m))
			if err != nil {
				im.Close()
				return err
			}
			err = fits.Write(im)
			im.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// EncodeCSV writes r in long form, one line per element of every quantity:
// quantity,channel,row,col,mean,std.  For spectra col is the frequency in Hz.
func EncodeCSV(w io.Writer, r Result) error {
	if len(r.Quantities) == 0 {
		return ErrNoData
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	err := writer.Write([]string{"quantity", "channel", "row", "col", "mean", "std"})
	if err != nil {
		return err
	}
	line := make([]string, 6)
	for _, q := range r.Quantities {
		rows, cols := q.Mean.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				line[0] = q.Name
				line[1] = q.Channel
				line[2] = strconv.Itoa(i)
				if r.Mode == ModeSpectrum && j < len(r.Frequencies) {
					line[3] = strconv.FormatFloat(r.Frequencies[j], 'G', -1, 64)
				} else {
					line[3] = strconv.Itoa(j)
				}
				line[4] = strconv.FormatFloat(q.Mean.At(i, j), 'G', -1, 64)
				line[5] = strconv.FormatFloat(q.Std.At(i, j), 'G', -1, 64)
				if err := writer.Write(line); err != nil {
					return err
				}
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
