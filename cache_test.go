package fvfile_test

import (
	"os"
	"sync"
	"time"

	"github.com/bsm/fvfile"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var subject *fvfile.Cache
	var dir, ardfPath, spmPath string
	var expire chan time.Time

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "fvfile-cache")
		Expect(err).NotTo(HaveOccurred())

		ardfPath = writeTemp(dir, "map.ardf", buildARDF(ardfFixture{
			Images: []imageFixture{{Name: "MapHeight", Lines: 2, Points: 2}},
			Volume: &volumeFixture{Lines: 2, Points: 2, Split: 3, Samples: 6},
		}))
		spmPath = writeTemp(dir, "map.spm", buildNanoscope(nanoscopeFixture{Lines: 2, Points: 3, Split: 4, NumPoints: 8}))

		expire = make(chan time.Time)
		subject = fvfile.NewCache(&fvfile.Options{
			Logger: quietLogger,
			After:  func(time.Duration) <-chan time.Time { return expire },
		})
	})

	AfterEach(func() {
		_ = subject.Close()
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("should share sources", func() {
		s1, err := subject.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		defer s1.Release()

		s2, err := subject.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		defer s2.Release()

		Expect(s2).To(BeIdenticalTo(s1))
		Expect(s1.Format).To(Equal(fvfile.FormatARDF))
		Expect(s1.ARDF).NotTo(BeNil())
		Expect(s1.Nanoscope).To(BeNil())
		Expect(subject.Len()).To(Equal(1))

		s3, err := subject.Acquire(spmPath)
		Expect(err).NotTo(HaveOccurred())
		defer s3.Release()

		Expect(s3.Format).To(Equal(fvfile.FormatNanoscope))
		Expect(subject.Len()).To(Equal(2))
	})

	It("should open each path once under contention", func() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := make(map[*fvfile.Source]int)

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				src, err := subject.Acquire(ardfPath)
				Expect(err).NotTo(HaveOccurred())
				defer src.Release()

				mu.Lock()
				seen[src]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		Expect(seen).To(HaveLen(1))
		Expect(subject.Len()).To(Equal(1))
	})

	It("should evict idle sources", func() {
		s1, err := subject.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(s1.Release()).To(Succeed())

		expire <- time.Now()
		Eventually(subject.Len).Should(BeZero())

		s2, err := subject.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		defer s2.Release()
		Expect(s2).NotTo(BeIdenticalTo(s1))
		Expect(subject.Len()).To(Equal(1))
	})

	It("should restart the countdown when acquired again", func() {
		var mu sync.Mutex
		var timers []chan time.Time
		numTimers := func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(timers)
		}
		timer := func(i int) chan time.Time {
			mu.Lock()
			defer mu.Unlock()
			return timers[i]
		}

		cache := fvfile.NewCache(&fvfile.Options{
			Logger: quietLogger,
			After: func(time.Duration) <-chan time.Time {
				ch := make(chan time.Time, 1)
				mu.Lock()
				timers = append(timers, ch)
				mu.Unlock()
				return ch
			},
		})
		defer cache.Close()

		s1, err := cache.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(s1.Release()).To(Succeed())
		Eventually(numTimers).Should(Equal(1))

		s2, err := cache.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(s2).To(BeIdenticalTo(s1))
		Expect(s2.Release()).To(Succeed())
		Eventually(numTimers).Should(Equal(2))

		timer(0) <- time.Now()
		Consistently(cache.Len, "50ms", "5ms").Should(Equal(1))

		timer(1) <- time.Now()
		Eventually(cache.Len).Should(BeZero())
	})

	It("should stop readers of closed files while the source is cached", func() {
		f, err := subject.Open(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		reader := f.Reader()
		Expect(f.Close()).To(Succeed())
		Expect(subject.Len()).To(Equal(1))

		_, err = reader.Curve(1, 1)
		Expect(err).To(MatchError(fvfile.ErrClosed))
	})

	It("should keep evicted sources alive for open files", func() {
		f, err := subject.Open(ardfPath)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		expire <- time.Now()
		Eventually(subject.Len).Should(BeZero())

		c, err := f.ForceCurve(1, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Z.Approach).To(HaveLen(3))
		Expect(c.Z.Approach[0]).To(Equal(nm(sample(0, 1, 1, 0))))
	})

	It("should reattach files", func() {
		f, err := subject.Open(spmPath)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()

		f.SetDeflSens(55)
		f.SetSyncDist(3)
		state := f.State()
		Expect(state).To(Equal(fvfile.FileState{Path: spmPath, DeflSens: 55, SyncDist: 3}))

		g, err := subject.Reattach(state)
		Expect(err).NotTo(HaveOccurred())
		defer g.Close()

		Expect(g.Source()).To(BeIdenticalTo(f.Source()))
		Expect(g.DeflSens()).To(Equal(55.0))
		Expect(g.SyncDist()).To(Equal(3))
	})

	It("should reject unsupported files", func() {
		_, err := subject.Acquire(writeTemp(dir, "map.txt", []byte("x")))
		Expect(err).To(MatchError(fvfile.ErrUnsupportedFormat))

		_, err = subject.Acquire(writeTemp(dir, "bad.ardf", []byte("not an ardf file at all")))
		Expect(err).To(HaveOccurred())
		Expect(subject.Len()).To(BeZero())

		_, err = subject.Acquire(dir + "/missing.spm")
		Expect(err).To(MatchError(os.ErrNotExist))
	})

	It("should close", func() {
		src, err := subject.Acquire(ardfPath)
		Expect(err).NotTo(HaveOccurred())

		Expect(subject.Close()).To(Succeed())
		Expect(subject.Close()).NotTo(Succeed())
		Expect(subject.Len()).To(BeZero())

		_, err = subject.Acquire(ardfPath)
		Expect(err).To(HaveOccurred())

		Expect(src.ARDF.ImageNames()).To(Equal([]string{"MapHeight"}))
		Expect(src.Release()).To(Succeed())
	})
})
