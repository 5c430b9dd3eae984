package fvfile_test

import (
	"strings"

	"github.com/bsm/fvfile"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("NanoscopeHeader", func() {
	var subject *fvfile.NanoscopeHeader

	BeforeEach(func() {
		var err error
		subject, err = fvfile.ParseNanoscopeHeader((&nanoscopeFixture{Lines: 2, Points: 3, Split: 4, NumPoints: 8}).norm().header())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should parse sections", func() {
		s, ok := subject.Section("Force file list")
		Expect(ok).To(BeTrue())
		Expect(get(s, "Version")).To(Equal("0x09100000"))
		Expect(get(s, "Date")).To(Equal("10:21:09 AM Mon Oct 19 2026"))
		Expect(s.Keys()).To(Equal([]string{"Version", "Date"}))

		_, ok = subject.Section("Missing")
		Expect(ok).To(BeFalse())
	})

	It("should keep repeated sections", func() {
		Expect(subject.Sections("Ciao force image list")).To(HaveLen(2))
		Expect(subject.Sections("Ciao image list")).To(HaveLen(1))
	})

	It("should keep group prefixes", func() {
		s, ok := subject.Section("Ciao image list")
		Expect(ok).To(BeTrue())
		Expect(get(s, "@2:Image Data")).To(Equal(`S [Height] "Height Sensor"`))
		Expect(get(s, "@2:Z scale")).To(Equal(`V [Sens. Zsens] (0.0003 V/LSB) 13.1072 V`))

		s, ok = subject.Section("Ciao scan list")
		Expect(ok).To(BeTrue())
		Expect(get(s, "@Sens. DeflSens")).To(Equal("V 40 nm/V"))
	})

	It("should index images by name", func() {
		Expect(subject.ImageNames()).To(Equal([]string{"Height Sensor"}))
		Expect(subject.ForceImageNames()).To(Equal([]string{"Deflection Error", "Height Sensor"}))

		s, ok := subject.ForceImage("Height Sensor")
		Expect(ok).To(BeTrue())
		Expect(get(s, "@4:Image Data")).To(ContainSubstring("ZSensor"))

		_, ok = subject.Image("Deflection Error")
		Expect(ok).To(BeFalse())
	})

	It("should accept any line ending", func() {
		text := strings.Join([]string{
			`\*Force file list`, `\Version: 0x09100000`,
			`\*Ciao image list`, `\@2:Image Data: S [Height] "Height"`,
			`\*Ciao force image list`, `\@4:Image Data: S [Defl] "Defl"`,
			`\*File list end`,
		}, "\r")
		h, err := fvfile.ParseNanoscopeHeader(text)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ImageNames()).To(Equal([]string{"Height"}))

		h, err = fvfile.ParseNanoscopeHeader(strings.ReplaceAll(text, "\r", "\n"))
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ForceImageNames()).To(Equal([]string{"Defl"}))
	})

	It("should reject malformed headers", func() {
		for _, text := range []string{
			"",
			`not a header`,
			`\*Force file list` + "\n" + `\Version: 1`,
			`\Version: 1` + "\n" + `\*File list end`,
			`\*Force file list` + "\n" + `\Version` + "\n" + `\*File list end`,
			`\*Force file list` + "\n" + `\*File list end`,
			`\*` + "\n" + `\*File list end`,
		} {
			_, err := fvfile.ParseNanoscopeHeader(text)
			Expect(err).To(MatchError(fvfile.ErrMalformedHeader), "for %q", text)
		}
	})
})

func get(s *fvfile.Section, key string) string {
	v, ok := s.Get(key)
	ExpectWithOffset(1, ok).To(BeTrue(), "missing %q", key)
	return v
}
