package grib2

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	indicatorLen    = 16
	gridDefMinLen   = 72
	dataRepMinLen   = 20
	maxBitsPerValue = 32
	// maxGridPoints bounds the allocation for a corrupt header. A CONUS
	// MRMS grid is about 24.5M cells.
	maxGridPoints = 1 << 26
	scanPositiveJ   = 0x40
)

// section describes one self-describing section inside the message.
type section struct {
	num    int
	offset int
	length int
}

type gridDef struct {
	points int
	ni, nj int
	bbox   BBox
	scan   byte
	hasDim bool
}

// Decode parses a GRIB2 message. Only a missing or foreign magic marker is
// fatal; malformed sections degrade the result (see Quality) instead of
// failing the decode.
func Decode(buf []byte) (*GridMessage, error) {
	log := zap.L().With(zap.String("component", "grib2"))

	if len(buf) < indicatorLen {
		return nil, &FormatError{Reason: "buffer shorter than indicator section"}
	}
	if string(buf[0:4]) != "GRIB" {
		return nil, &FormatError{Reason: "missing GRIB magic"}
	}

	msg := &GridMessage{Edition: int(buf[7])}
	if msg.Edition != 2 {
		log.Warn("unexpected GRIB edition, decoding as edition 2", zap.Int("edition", msg.Edition))
	}

	var (
		gd         gridDef
		pack       Packing
		packPoints int
		haveGrid   bool
		havePack   bool
		dataOffset = -1
		dataEnd    = 0
	)

	for _, s := range scanSections(buf, log) {
		body := buf[s.offset : s.offset+s.length]
		switch s.num {
		case 1:
			msg.ReferenceTime = parseReferenceTime(body)
		case 3:
			gd = parseGridDefinition(body)
			haveGrid = true
		case 5:
			if len(body) < dataRepMinLen {
				log.Warn("data representation section too short", zap.Int("length", len(body)))
				continue
			}
			if tmpl := binary.BigEndian.Uint16(body[9:11]); tmpl != 0 {
				log.Warn("unsupported data representation template", zap.Uint16("template", tmpl))
			}
			packPoints = int(binary.BigEndian.Uint32(body[5:9]))
			pack = Packing{
				ReferenceValue:     math.Float32frombits(binary.BigEndian.Uint32(body[11:15])),
				BinaryScaleFactor:  signMagnitude16(body[15:17]),
				DecimalScaleFactor: signMagnitude16(body[17:19]),
				BitsPerValue:       int(body[19]),
			}
			havePack = true
		case 6:
			if len(body) > 5 && body[5] != 255 {
				log.Warn("bitmap present but not applied", zap.Uint8("indicator", body[5]))
			}
		case 7:
			dataOffset = s.offset + 5
			dataEnd = s.offset + s.length
		}
	}

	msg.Packing = pack

	points := gd.points
	if points == 0 {
		points = packPoints
	}
	fromHeader := haveGrid && gd.hasDim
	if fromHeader {
		msg.Width, msg.Height = gd.ni, gd.nj
		msg.BBox = gd.bbox
	} else if points > 0 {
		side := int(math.Sqrt(float64(points)))
		msg.Width, msg.Height = side, side
		msg.Quality = QualityEstimatedDims
		log.Warn("grid dimensions missing, assuming square grid",
			zap.Int("points", points), zap.Int("side", side))
	}

	if !plausibleDims(msg.Width, msg.Height) {
		log.Warn("grid dimensions out of range, returning empty grid",
			zap.Int("ni", msg.Width), zap.Int("nj", msg.Height))
		msg.Width, msg.Height = 0, 0
		msg.Values = []float64{}
		msg.Quality = QualityDegraded
		return msg, nil
	}

	n := msg.Width * msg.Height
	msg.Values = make([]float64, n)
	if n == 0 {
		msg.Quality = QualityDegraded
		log.Warn("no grid dimensions or point count found")
		return msg, nil
	}

	if fromHeader && points > 0 && n != points {
		msg.Quality = QualityDegraded
		log.Warn("grid dimensions disagree with point count, returning zero grid",
			zap.Int("ni", msg.Width), zap.Int("nj", msg.Height), zap.Int("points", points))
		return msg, nil
	}

	if !havePack || dataOffset < 0 {
		msg.Quality = QualityDegraded
		log.Warn("missing data representation or data section, returning zero grid",
			zap.Bool("packing", havePack), zap.Bool("data", dataOffset >= 0))
		return msg, nil
	}

	data := buf[dataOffset:dataEnd]
	if pack.BitsPerValue > 0 && n > len(data)*8/pack.BitsPerValue {
		msg.Quality = QualityDegraded
		log.Warn("data section shorter than grid, returning zero grid",
			zap.Int("points", n), zap.Int("bits", pack.BitsPerValue), zap.Int("bytes", len(data)))
		return msg, nil
	}

	if err := unpack(data, pack, msg.Values); err != nil {
		for i := range msg.Values {
			msg.Values[i] = 0
		}
		msg.Quality = QualityDegraded
		log.Warn("unpack failed, returning zero grid", zap.Error(err))
		return msg, nil
	}

	if gd.scan&scanPositiveJ != 0 {
		flipRows(msg)
	}

	return msg, nil
}

// plausibleDims rejects negative sizes and grids whose cell count would
// overflow or exceed maxGridPoints.
func plausibleDims(w, h int) bool {
	if w < 0 || h < 0 {
		return false
	}
	if w == 0 || h == 0 {
		return true
	}
	return w <= maxGridPoints/h
}

// scanSections walks the section chain starting after the indicator,
// stopping at the 7777 terminator or at a length that runs past the buffer.
func scanSections(buf []byte, log *zap.Logger) []section {
	var out []section
	off := indicatorLen
	for off+4 <= len(buf) {
		if string(buf[off:off+4]) == "7777" {
			return out
		}
		if off+5 > len(buf) {
			break
		}
		length := int(binary.BigEndian.Uint32(buf[off : off+4]))
		if length < 5 || off+length > len(buf) {
			log.Warn("section length runs past buffer",
				zap.Int("offset", off), zap.Int("length", length), zap.Int("buffer", len(buf)))
			return out
		}
		out = append(out, section{num: int(buf[off+4]), offset: off, length: length})
		off += length
	}
	log.Warn("message ended without 7777 terminator", zap.Int("sections", len(out)))
	return out
}

func parseReferenceTime(body []byte) time.Time {
	if len(body) < 19 {
		return time.Time{}
	}
	year := int(binary.BigEndian.Uint16(body[12:14]))
	return time.Date(year, time.Month(body[14]), int(body[15]),
		int(body[16]), int(body[17]), int(body[18]), 0, time.UTC)
}

func parseGridDefinition(body []byte) gridDef {
	var gd gridDef
	if len(body) >= 10 {
		gd.points = int(binary.BigEndian.Uint32(body[6:10]))
	}
	if len(body) < gridDefMinLen {
		return gd
	}

	gd.ni = int(binary.BigEndian.Uint32(body[30:34]))
	gd.nj = int(binary.BigEndian.Uint32(body[34:38]))
	gd.hasDim = gd.ni > 0 && gd.nj > 0

	la1 := microDegrees(body[46:50])
	lo1 := normalizeLon(microDegrees(body[50:54]))
	la2 := microDegrees(body[55:59])
	lo2 := normalizeLon(microDegrees(body[59:63]))
	gd.scan = body[71]

	gd.bbox = BBox{
		West:  math.Min(lo1, lo2),
		South: math.Min(la1, la2),
		East:  math.Max(lo1, lo2),
		North: math.Max(la1, la2),
	}
	return gd
}

// unpack expands simple-packed values into out.
func unpack(data []byte, p Packing, out []float64) error {
	if p.BitsPerValue > maxBitsPerValue {
		return eris.Errorf("grib2: unpack: %d bits per value not supported", p.BitsPerValue)
	}

	ref := float64(p.ReferenceValue)
	bin := math.Pow(2, float64(p.BinaryScaleFactor))
	dec := math.Pow(10, float64(p.DecimalScaleFactor))

	if p.BitsPerValue == 0 {
		for i := range out {
			out[i] = ref / dec
		}
		return nil
	}

	for i := range out {
		raw, err := readBits(data, i*p.BitsPerValue, p.BitsPerValue)
		if err != nil {
			return eris.Wrapf(err, "grib2: unpack cell %d", i)
		}
		out[i] = (ref + float64(raw)*bin) / dec
	}
	return nil
}

// readBits reads an unsigned big-endian bit field of width bits (≤ 32)
// starting at bitOffset.
func readBits(data []byte, bitOffset, bits int) (uint64, error) {
	start := bitOffset / 8
	shift := bitOffset % 8
	n := (shift + bits + 7) / 8
	if start+n > len(data) {
		return 0, eris.Errorf("bit offset %d past data section (%d bytes)", bitOffset, len(data))
	}

	var window uint64
	for _, b := range data[start : start+n] {
		window = window<<8 | uint64(b)
	}
	window >>= uint(n*8 - shift - bits)
	return window & (1<<uint(bits) - 1), nil
}

func flipRows(g *GridMessage) {
	for top, bottom := 0, g.Height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := g.Values[top*g.Width : (top+1)*g.Width]
		b := g.Values[bottom*g.Width : (bottom+1)*g.Width]
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
}

// signMagnitude16 decodes a GRIB2 signed 16-bit integer (high bit is sign).
func signMagnitude16(b []byte) int {
	v := binary.BigEndian.Uint16(b)
	mag := int(v & 0x7fff)
	if v&0x8000 != 0 {
		return -mag
	}
	return mag
}

func microDegrees(b []byte) float64 {
	v := binary.BigEndian.Uint32(b)
	mag := float64(v & 0x7fffffff)
	if v&0x80000000 != 0 {
		mag = -mag
	}
	return mag / 1e6
}

func normalizeLon(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}
