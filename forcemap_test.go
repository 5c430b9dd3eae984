package fvfile_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	"github.com/bsm/fvfile"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func parseVolume(vf *volumeFixture, strategy fvfile.Strategy) (*fvfile.Volume, error) {
	f, err := fvfile.ParseARDF(buildARDF(ardfFixture{Volume: vf}), testOptions(strategy))
	if err != nil {
		return nil, err
	}
	Expect(f.Volumes).To(HaveLen(1))
	return f.Volumes[0], nil
}

func expectCurve(c fvfile.Curve, vf *volumeFixture, z, d, line, point int) {
	zs, ds := expectedCurve(vf.norm(), z, d, line, point)
	ExpectWithOffset(1, c.Z.Approach).To(Equal(zs[0]), "Z approach at (%d, %d)", line, point)
	ExpectWithOffset(1, c.Z.Retract).To(Equal(zs[1]), "Z retract at (%d, %d)", line, point)
	ExpectWithOffset(1, c.D.Approach).To(Equal(ds[0]), "D approach at (%d, %d)", line, point)
	ExpectWithOffset(1, c.D.Retract).To(Equal(ds[1]), "D retract at (%d, %d)", line, point)
}

func isNaN(v float32) bool { return math.IsNaN(float64(v)) }

var _ = Describe("Volume", func() {
	var subject *fvfile.Volume
	var fixture *volumeFixture

	BeforeEach(func() {
		fixture = &volumeFixture{Lines: 3, Points: 4, Split: 4, Samples: 10}
	})

	JustBeforeEach(func() {
		var err error
		subject, err = parseVolume(fixture, fvfile.StrategyPointerChase)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should parse descriptors", func() {
		Expect(subject.Lines).To(Equal(3))
		Expect(subject.Points).To(Equal(4))
		Expect(subject.XStep).To(Equal(2e-8))
		Expect(subject.YStep).To(Equal(3e-8))
		Expect(subject.TStep).To(Equal(1e-5))
		Expect(subject.TUnits).To(Equal("s"))
		Expect(subject.Segments).To(Equal([]string{"Ext", "Ret"}))
		Expect(subject.Experiment).To(Equal([]string{"Ext", "Ret"}))
		Expect(subject.Channels).To(Equal([]fvfile.Channel{
			{Index: 0, Name: "Raw", Unit: "m"},
			{Index: 1, Name: "Defl", Unit: "m"},
			{Index: 2, Name: "ZSnsr", Unit: "m"},
		}))
		Expect(subject.HeightChannel()).To(Equal("Raw"))
		Expect(subject.Complete).To(BeTrue())
		Expect(subject.Interrupted).To(BeFalse())
		Expect(subject.ScanDown).To(BeFalse())
		Expect(subject.Trace).To(BeTrue())
		Expect(subject.Strategy).To(Equal(fvfile.StrategyPointerChase))

		ch, err := subject.Channel("Defl")
		Expect(err).NotTo(HaveOccurred())
		Expect(ch.Index).To(Equal(1))
		_, err = subject.Channel("Amp")
		Expect(err).To(MatchError(fvfile.ErrUnknownChannel))
	})

	It("should read curves", func() {
		for line := 0; line < 3; line++ {
			for point := 0; point < 4; point++ {
				c, err := subject.Reader.Curve(line, point)
				Expect(err).NotTo(HaveOccurred())
				expectCurve(c, fixture, 0, 1, line, point)
				Expect(c.IsPlaceholder()).To(BeFalse())
			}
		}

		// again, from the node cache
		c, err := subject.Reader.Curve(1, 2)
		Expect(err).NotTo(HaveOccurred())
		expectCurve(c, fixture, 0, 1, 1, 2)
	})

	It("should reject pixels outside the grid", func() {
		for _, px := range [][2]int{{-1, 0}, {0, -1}, {3, 0}, {0, 4}} {
			_, err := subject.Reader.Curve(px[0], px[1])
			Expect(err).To(MatchError(fvfile.ErrIndexOutOfRange), "for %v", px)
		}
	})

	It("should iterate in storage order", func() {
		iter := subject.Reader.Curves()
		defer iter.Release()

		var pos [][2]int
		for iter.Next() {
			line, point := iter.Pos()
			pos = append(pos, [2]int{line, point})
			expectCurve(iter.Curve(), fixture, 0, 1, line, point)
		}
		Expect(iter.Err()).NotTo(HaveOccurred())
		Expect(pos).To(Equal(fixture.order()))
	})

	It("should release iterators", func() {
		iter := subject.Reader.Curves()
		Expect(iter.Next()).To(BeTrue())
		iter.Release()
		Expect(iter.Next()).To(BeFalse())
		Expect(iter.Err()).To(HaveOccurred())
	})

	It("should load all curves trimmed around the split", func() {
		stack, err := subject.Reader.AllCurves(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(stack.Lines).To(Equal(3))
		Expect(stack.Points).To(Equal(4))
		Expect(stack.Samples).To(Equal(8))
		Expect(stack.Split).To(Equal(4))
		Expect(stack.Data).To(HaveLen(3 * 4 * 2 * 8))

		c, err := stack.At(2, 1)
		Expect(err).NotTo(HaveOccurred())
		zs, ds := expectedCurve(fixture.norm(), 0, 1, 2, 1)
		Expect(c.Z.Approach).To(Equal(zs[0]))
		Expect(c.Z.Retract).To(Equal(zs[1][:4]))
		Expect(c.D.Approach).To(Equal(ds[0]))
		Expect(c.D.Retract).To(Equal(ds[1][:4]))

		_, err = stack.At(3, 0)
		Expect(err).To(MatchError(fvfile.ErrIndexOutOfRange))
	})

	It("should stop loading when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := subject.Reader.AllCurves(ctx)
		Expect(err).To(MatchError(context.Canceled))
	})

	Context("with varying split points", func() {
		BeforeEach(func() {
			fixture.Split = 5
			fixture.SplitAt = func(line, point int) int {
				if line == 0 && point == 0 {
					return 3
				}
				return 5
			}
		})

		It("should trim to the shortest segment", func() {
			stack, err := subject.Reader.AllCurves(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(stack.Samples).To(Equal(6))
			Expect(stack.Split).To(Equal(3))

			c, err := stack.At(1, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Z.Approach).To(Equal([]float32{
				nm(sample(0, 1, 1, 2)), nm(sample(0, 1, 1, 3)), nm(sample(0, 1, 1, 4)),
			}))
			Expect(c.Z.Retract).To(Equal([]float32{
				nm(sample(0, 1, 1, 5)), nm(sample(0, 1, 1, 6)), nm(sample(0, 1, 1, 7)),
			}))

			c, err = stack.At(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.D.Approach).To(Equal([]float32{
				nm(sample(1, 0, 0, 0)), nm(sample(1, 0, 0, 1)), nm(sample(1, 0, 0, 2)),
			}))
		})

		It("should bound the trim by the shortest retract", func() {
			fixture.SplitAt = func(line, point int) int {
				if line == 2 && point == 3 {
					return 8
				}
				return 5
			}
			vol, err := parseVolume(fixture, fvfile.StrategyPointerChase)
			Expect(err).NotTo(HaveOccurred())

			stack, err := vol.Reader.AllCurves(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(stack.Samples).To(Equal(4))
			Expect(stack.Split).To(Equal(2))

			c, err := stack.At(2, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Z.Approach).To(Equal([]float32{nm(sample(0, 2, 3, 6)), nm(sample(0, 2, 3, 7))}))
			Expect(c.Z.Retract).To(Equal([]float32{nm(sample(0, 2, 3, 8)), nm(sample(0, 2, 3, 9))}))
		})

		It("should keep full curves on random access", func() {
			c, err := subject.Reader.Curve(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Z.Approach).To(HaveLen(3))
			Expect(c.Z.Retract).To(HaveLen(7))
		})
	})

	Context("when scanned downwards in retrace direction", func() {
		BeforeEach(func() {
			fixture.ScanDown = true
			fixture.Retrace = true
		})

		It("should detect the direction", func() {
			Expect(subject.ScanDown).To(BeTrue())
			Expect(subject.Trace).To(BeFalse())
		})

		It("should read curves by logical position", func() {
			for line := 0; line < 3; line++ {
				for point := 0; point < 4; point++ {
					c, err := subject.Reader.Curve(line, point)
					Expect(err).NotTo(HaveOccurred())
					expectCurve(c, fixture, 0, 1, line, point)
				}
			}
		})

		It("should iterate in storage order", func() {
			iter := subject.Reader.Curves()
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			line, point := iter.Pos()
			Expect(line).To(Equal(2))
			Expect(point).To(Equal(3))
		})
	})

	Context("without a raw channel", func() {
		BeforeEach(func() {
			fixture.Channels = []string{"Defl", "ZSnsr"}
		})

		It("should use the Z sensor as height", func() {
			Expect(subject.HeightChannel()).To(Equal("ZSnsr"))

			c, err := subject.Reader.Curve(2, 3)
			Expect(err).NotTo(HaveOccurred())
			expectCurve(c, fixture, 1, 0, 2, 3)
		})
	})

	Context("with a skipped line", func() {
		BeforeEach(func() {
			fixture.Skip = []int{1}
		})

		It("should be incomplete", func() {
			Expect(subject.Complete).To(BeFalse())
			Expect(subject.Interrupted).To(BeFalse())
		})

		It("should return placeholders", func() {
			c, err := subject.Reader.Curve(1, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.IsPlaceholder()).To(BeTrue())
			Expect(c.Z.Approach).To(HaveLen(100))
			Expect(c.Z.Retract).To(HaveLen(100))
			Expect(c.D.Approach).To(HaveLen(100))
			Expect(c.D.Retract).To(HaveLen(100))

			c, err = subject.Reader.Curve(2, 2)
			Expect(err).NotTo(HaveOccurred())
			expectCurve(c, fixture, 0, 1, 2, 2)
		})

		It("should leave missing pixels NaN", func() {
			stack, err := subject.Reader.AllCurves(context.Background())
			Expect(err).NotTo(HaveOccurred())

			c, err := stack.At(1, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Z.Approach).To(HaveEach(Satisfy(isNaN)))
			Expect(c.D.Retract).To(HaveEach(Satisfy(isNaN)))

			c, err = stack.At(0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Z.Approach[0]).To(Equal(nm(sample(0, 0, 0, 0))))
		})
	})

	It("should fail on chains pointing past the end of the file", func() {
		data := buildARDF(ardfFixture{Volume: fixture})
		last := bytes.LastIndex(data, []byte("VSET")) - 8
		binary.LittleEndian.PutUint64(data[last+40:], uint64(len(data)+64))
		reseal(data, last)

		f, err := fvfile.ParseARDF(data, testOptions(fvfile.StrategyPointerChase))
		Expect(err).NotTo(HaveOccurred())
		reader := f.Volumes[0].Reader

		_, err = reader.Curve(0, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = reader.Curve(2, 3)
		Expect(err).To(MatchError(fvfile.ErrTruncatedFile))

		iter := reader.Curves()
		defer iter.Release()
		n := 0
		for iter.Next() {
			n++
		}
		Expect(n).To(Equal(12))
		Expect(iter.Err()).To(MatchError(fvfile.ErrTruncatedFile))

		_, err = reader.AllCurves(context.Background())
		Expect(err).To(MatchError(fvfile.ErrTruncatedFile))
	})

	Context("when interrupted", func() {
		BeforeEach(func() {
			fixture.Written = 6
		})

		It("should flag the volume", func() {
			Expect(subject.Complete).To(BeFalse())
			Expect(subject.Interrupted).To(BeTrue())
		})

		It("should read what was acquired", func() {
			c, err := subject.Reader.Curve(1, 1)
			Expect(err).NotTo(HaveOccurred())
			expectCurve(c, fixture, 0, 1, 1, 1)

			c, err = subject.Reader.Curve(1, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.IsPlaceholder()).To(BeTrue())

			c, err = subject.Reader.Curve(2, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.IsPlaceholder()).To(BeTrue())
		})

		It("should iterate over acquired curves", func() {
			iter := subject.Reader.Curves()
			defer iter.Release()

			n := 0
			for iter.Next() {
				n++
			}
			Expect(iter.Err()).NotTo(HaveOccurred())
			Expect(n).To(Equal(6))
		})
	})
})

var _ = Describe("Volume without deflection", func() {
	It("should fail", func() {
		_, err := parseVolume(&volumeFixture{Lines: 2, Points: 2, Split: 2, Samples: 4, Channels: []string{"Raw", "ZSnsr"}}, fvfile.StrategyPointerChase)
		Expect(err).To(MatchError(fvfile.ErrUnknownChannel))
	})
})
