package fvfile_test

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const nanoscopeDataOffset = 8192

type nanoscopeFixture struct {
	QNM                      bool
	Lines, Points            int
	Split, NumPoints         int
	ScanSize                 string // default "1.5 ~m"
	Saturate                 bool   // first deflection sample of pixel (0, 0) clips
	SyncDistance             string // QNM only, default "3.5"
	OmitHeader, TruncateData bool

	// HeightLines, if set, stores a "Peak Force Error" image with the
	// grid shape first and a height image with this many lines second.
	HeightLines int
}

func (f *nanoscopeFixture) norm() *nanoscopeFixture {
	ff := *f
	if ff.ScanSize == "" {
		ff.ScanSize = "1.5 ~m"
	}
	if ff.SyncDistance == "" {
		ff.SyncDistance = "3.5"
	}
	return &ff
}

// rawImage returns the stored height image value.
func (f *nanoscopeFixture) rawImage(r, c int) int16 { return int16((r*f.Points + c + 1) * 100) }

// rawForce returns the stored force sample, ch 0 is deflection and ch 1
// the height sensor.
func (f *nanoscopeFixture) rawForce(ch, r, c, i int) int16 {
	if f.Saturate && ch == 0 && r == 0 && c == 0 && i == f.Split-1 {
		return -32768
	}
	return int16((ch+1)*1000 + r*100 + c*10 + i)
}

// images returns the stored images as name and number of lines.
func (f *nanoscopeFixture) images() (names []string, lines []int) {
	if f.HeightLines != 0 {
		names, lines = append(names, "Peak Force Error"), append(lines, f.Lines)
		return append(names, "Height Sensor"), append(lines, f.HeightLines)
	}
	return []string{"Height Sensor"}, []int{f.Lines}
}

func (f *nanoscopeFixture) header() string {
	forceLen := f.Lines * f.Points * f.NumPoints * 2
	offset := nanoscopeDataOffset

	lines := []string{
		`\*Force file list`,
		`\Version: 0x09100000`,
		`\Date: 10:21:09 AM Mon Oct 19 2026`,
		`\*Ciao scan list`,
		`\Scan Size: ` + f.ScanSize,
		fmt.Sprintf(`\Samps/line: %d`, f.Points),
		fmt.Sprintf(`\Lines: %d`, f.Lines),
		`\PFT Freq: 2.000 kHz`,
		`\Peak Force Amplitude: 100`,
		`\Sync Distance QNM: ` + f.SyncDistance,
		`\@Sens. DeflSens: V 40 nm/V`,
		`\@Sens. ZsensSens: V 1000 nm/V`,
		`\@Sens. Zsens: V 20 nm/V`,
	}

	names, rows := f.images()
	for i, name := range names {
		tag, imageLen := "Height", rows[i]*f.Points*2
		if name != "Height Sensor" {
			tag = strings.ReplaceAll(name, " ", "")
		}
		lines = append(lines,
			`\*Ciao image list`,
			fmt.Sprintf(`\Data offset: %d`, offset),
			fmt.Sprintf(`\Data length: %d`, imageLen),
			`\Bytes/pixel: 2`,
			fmt.Sprintf(`\Samps/line: %d`, f.Points),
			fmt.Sprintf(`\Number of lines: %d`, rows[i]),
			fmt.Sprintf(`\@2:Image Data: S [%s] %q`, tag, name),
			`\@2:Z scale: V [Sens. Zsens] (0.0003 V/LSB) 13.1072 V`,
			`\@2:Z offset: V [Sens. Zsens] (0.0003 V/LSB) 0 V`,
		)
		offset += imageLen
	}
	deflOffset, zOffset := offset, offset+forceLen

	lines = append(lines,
		`\*Ciao force list`,
		fmt.Sprintf(`\force/line: %d`, f.NumPoints),
		`\@4:Image Data: S [DeflectionError] "Deflection Error"`,
		`\*Ciao force image list`,
		fmt.Sprintf(`\Data offset: %d`, deflOffset),
		fmt.Sprintf(`\Data length: %d`, forceLen),
		`\Bytes/pixel: 2`,
		fmt.Sprintf(`\Samps/line: %d`, f.Split),
		`\Spring Constant: 0.4`,
		`\@4:Image Data: S [DeflectionError] "Deflection Error"`,
		`\@4:Z scale: V [Sens. DeflSens] (0.0005 V/LSB) 32.768 V`,
	)
	if !f.QNM {
		lines = append(lines,
			`\*Ciao force image list`,
			fmt.Sprintf(`\Data offset: %d`, zOffset),
			fmt.Sprintf(`\Data length: %d`, forceLen),
			`\Bytes/pixel: 2`,
			fmt.Sprintf(`\Samps/line: %d`, f.Split),
			`\Spring Constant: 0.4`,
			`\@4:Image Data: S [ZSensor] "Height Sensor"`,
			`\@4:Z scale: V [Sens. ZsensSens] (0.0002 V/LSB) 13.1072 V`,
		)
	}
	lines = append(lines, `\*File list end`)
	return strings.Join(lines, "\r\n") + "\r\n"
}

func buildNanoscope(fx nanoscopeFixture) []byte {
	f := fx.norm()

	head := f.header()
	if f.OmitHeader {
		head = ""
	}
	buf := make([]byte, nanoscopeDataOffset)
	copy(buf, head)
	buf[len(head)] = 0x1A

	put := func(v int16) {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
	}
	_, rows := f.images()
	for _, n := range rows {
		for r := 0; r < n; r++ {
			for c := 0; c < f.Points; c++ {
				put(f.rawImage(r, c))
			}
		}
	}
	for ch := 0; ch < 2; ch++ {
		for r := 0; r < f.Lines; r++ {
			for c := 0; c < f.Points; c++ {
				for i := 0; i < f.NumPoints; i++ {
					put(f.rawForce(ch, r, c, i))
				}
			}
		}
	}
	if f.TruncateData {
		buf = buf[:len(buf)-2]
	}
	return buf
}
