package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

var _ = Describe("PolicyWatcher", func() {
	It("invokes onChange when a watched file is written", func() {
		dir, err := os.MkdirTemp("", "warden-watch-test")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)

		target := filepath.Join(dir, "data.yaml")
		Expect(os.WriteFile(target, []byte("self_identities: []\n"), 0644)).To(Succeed())

		var calls int32
		log := logrus.New()
		log.SetOutput(GinkgoWriter)

		w, err := WatchPolicy([]string{target}, log, func(path string) {
			atomic.AddInt32(&calls, 1)
		})
		Expect(err).NotTo(HaveOccurred())
		defer w.Stop()

		Expect(os.WriteFile(target, []byte("self_identities: [\"warden\"]\n"), 0644)).To(Succeed())

		Eventually(func() int32 {
			return atomic.LoadInt32(&calls)
		}, 2*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1))
	})
})
