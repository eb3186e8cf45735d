package grib2

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// EncodeOptions controls Encode.
type EncodeOptions struct {
	BitsPerValue       int
	DecimalScaleFactor int
	BinaryScaleFactor  int
	ReferenceTime      time.Time
	// Edition overrides the edition byte; zero means 2.
	Edition int
	// OmitDims writes a truncated grid definition carrying only the point
	// count, which forces decoders to estimate the grid shape.
	OmitDims bool
}

// Encode writes g as a minimal single-field GRIB2 message using simple
// packing. It produces exactly the subset Decode understands and is used to
// build fixtures and replay files.
func Encode(g *GridMessage, opts EncodeOptions) ([]byte, error) {
	n := g.Width * g.Height
	if n == 0 || len(g.Values) != n {
		return nil, eris.Errorf("grib2: encode: %d values for %dx%d grid", len(g.Values), g.Width, g.Height)
	}
	if opts.BitsPerValue < 0 || opts.BitsPerValue > maxBitsPerValue {
		return nil, eris.Errorf("grib2: encode: %d bits per value not supported", opts.BitsPerValue)
	}
	edition := opts.Edition
	if edition == 0 {
		edition = 2
	}

	dec := math.Pow(10, float64(opts.DecimalScaleFactor))
	bin := math.Pow(2, float64(opts.BinaryScaleFactor))

	scaled := make([]float64, n)
	minV := math.Inf(1)
	for i, v := range g.Values {
		scaled[i] = v * dec
		minV = math.Min(minV, scaled[i])
	}
	ref := float32(minV)

	w := &bitWriter{}
	if opts.BitsPerValue > 0 {
		limit := uint64(1) << uint(opts.BitsPerValue)
		for i, s := range scaled {
			raw := math.Round((s - float64(ref)) / bin)
			if raw < 0 || uint64(raw) >= limit {
				return nil, eris.Errorf("grib2: encode: value %d (%g) overflows %d bits", i, g.Values[i], opts.BitsPerValue)
			}
			w.write(uint64(raw), opts.BitsPerValue)
		}
	}

	var body bytes.Buffer

	// Section 1: identification.
	sec1 := make([]byte, 21)
	rt := opts.ReferenceTime.UTC()
	binary.BigEndian.PutUint16(sec1[12:14], uint16(rt.Year()))
	sec1[14] = byte(rt.Month())
	sec1[15] = byte(rt.Day())
	sec1[16] = byte(rt.Hour())
	sec1[17] = byte(rt.Minute())
	sec1[18] = byte(rt.Second())
	writeSection(&body, 1, sec1)

	// Section 3: grid definition, template 3.0.
	if opts.OmitDims {
		sec3 := make([]byte, 14)
		binary.BigEndian.PutUint32(sec3[6:10], uint32(n))
		writeSection(&body, 3, sec3)
	} else {
		sec3 := make([]byte, gridDefMinLen)
		binary.BigEndian.PutUint32(sec3[6:10], uint32(n))
		binary.BigEndian.PutUint32(sec3[30:34], uint32(g.Width))
		binary.BigEndian.PutUint32(sec3[34:38], uint32(g.Height))
		putMicroDegrees(sec3[46:50], g.BBox.North)
		putMicroDegrees(sec3[50:54], lon360(g.BBox.West))
		putMicroDegrees(sec3[55:59], g.BBox.South)
		putMicroDegrees(sec3[59:63], lon360(g.BBox.East))
		writeSection(&body, 3, sec3)
	}

	// Section 4: product definition, template 4.0, left blank.
	writeSection(&body, 4, make([]byte, 34))

	// Section 5: data representation, template 5.0.
	sec5 := make([]byte, 21)
	binary.BigEndian.PutUint32(sec5[5:9], uint32(n))
	binary.BigEndian.PutUint32(sec5[11:15], math.Float32bits(ref))
	putSignMagnitude16(sec5[15:17], opts.BinaryScaleFactor)
	putSignMagnitude16(sec5[17:19], opts.DecimalScaleFactor)
	sec5[19] = byte(opts.BitsPerValue)
	writeSection(&body, 5, sec5)

	// Section 6: no bitmap.
	writeSection(&body, 6, []byte{0, 0, 0, 0, 0, 255})

	// Section 7: packed data.
	writeSection(&body, 7, append(make([]byte, 5), w.bytes()...))

	var out bytes.Buffer
	out.WriteString("GRIB")
	out.Write([]byte{0, 0, 0, byte(edition)})
	var total [8]byte
	binary.BigEndian.PutUint64(total[:], uint64(indicatorLen+body.Len()+4))
	out.Write(total[:])
	out.Write(body.Bytes())
	out.WriteString("7777")
	return out.Bytes(), nil
}

// writeSection fills in the length and number header of sec and appends it.
func writeSection(buf *bytes.Buffer, num int, sec []byte) {
	binary.BigEndian.PutUint32(sec[0:4], uint32(len(sec)))
	sec[4] = byte(num)
	buf.Write(sec)
}

func putMicroDegrees(b []byte, deg float64) {
	v := uint32(math.Round(math.Abs(deg) * 1e6))
	if deg < 0 {
		v |= 0x80000000
	}
	binary.BigEndian.PutUint32(b, v)
}

func putSignMagnitude16(b []byte, v int) {
	u := uint16(v)
	if v < 0 {
		u = uint16(-v) | 0x8000
	}
	binary.BigEndian.PutUint16(b, u)
}

func lon360(lon float64) float64 {
	if lon < 0 {
		return lon + 360
	}
	return lon
}

type bitWriter struct {
	buf   []byte
	nbits int
}

func (w *bitWriter) write(v uint64, bits int) {
	for i := bits - 1; i >= 0; i-- {
		if w.nbits%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << uint(7-w.nbits%8)
		}
		w.nbits++
	}
}

func (w *bitWriter) bytes() []byte { return w.buf }
