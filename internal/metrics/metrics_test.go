package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/voicectl/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("IncrementCalls", func() {
		It("should track resources separately", func() {
			m.IncrementCalls("device")
			m.IncrementCalls("music")
			m.IncrementCalls("device")

			snap := m.Snapshot()
			Expect(snap.TotalCalls).To(Equal(int64(3)))
			Expect(snap.Resources["device"].Calls).To(Equal(int64(2)))
			Expect(snap.Resources["music"].Calls).To(Equal(int64(1)))
		})
	})

	Describe("RecordOutcome", func() {
		It("should count outcomes, latencies and status codes", func() {
			m.RecordOutcome("device", "success", 100*time.Millisecond, 200)
			m.RecordOutcome("device", "network", 300*time.Millisecond, 503)

			rm := m.Snapshot().Resources["device"]
			Expect(rm.Outcomes).To(Equal(map[string]int64{"success": 1, "network": 1}))
			Expect(rm.StatusCodes).To(Equal(map[int]int64{200: 1, 503: 1}))
			Expect(rm.AvgResponse).To(Equal(200 * time.Millisecond))
		})

		It("should not record latency for calls that never reached the network", func() {
			m.RecordOutcome("device", "circuit_open", 0, 0)

			rm := m.Snapshot().Resources["device"]
			Expect(rm.Outcomes["circuit_open"]).To(Equal(int64(1)))
			Expect(rm.AvgResponse).To(BeZero())
			Expect(rm.StatusCodes).To(BeEmpty())
		})

		It("should calculate percentiles", func() {
			for i := 1; i <= 100; i++ {
				m.RecordOutcome("music", "success", time.Duration(i)*time.Millisecond, 200)
			}

			rm := m.Snapshot().Resources["music"]
			Expect(rm.P50Response).To(Equal(51 * time.Millisecond))
			Expect(rm.P95Response).To(Equal(96 * time.Millisecond))
			Expect(rm.P99Response).To(Equal(100 * time.Millisecond))
		})

		It("should keep a bounded window of samples", func() {
			for i := 0; i < 1500; i++ {
				m.RecordOutcome("music", "success", time.Second, 200)
			}
			m.RecordOutcome("music", "success", time.Millisecond, 200)

			rm := m.Snapshot().Resources["music"]
			Expect(rm.Outcomes["success"]).To(Equal(int64(1501)))
			Expect(rm.P50Response).To(Equal(time.Second))
		})
	})

	Describe("state tracking", func() {
		It("should record breaker and connection state", func() {
			m.UpdateBreakerState("routines", "OPEN")
			m.UpdateConnectionState("connecting")
			m.UpdateConnectionState("connected")
			m.RecordFallback("routines")

			snap := m.Snapshot()
			Expect(snap.ConnectionState).To(Equal("connected"))
			Expect(snap.Transitions).To(Equal(int64(2)))
			Expect(snap.Resources["routines"].BreakerState).To(Equal("OPEN"))
			Expect(snap.Resources["routines"].Fallbacks).To(Equal(int64(1)))
		})
	})

	Describe("Snapshot", func() {
		It("should not share maps with the live metrics", func() {
			m.RecordOutcome("device", "success", time.Millisecond, 200)
			snap := m.Snapshot()
			snap.Resources["device"].Outcomes["success"] = 99

			Expect(m.Snapshot().Resources["device"].Outcomes["success"]).To(Equal(int64(1)))
		})

		It("should report uptime", func() {
			time.Sleep(5 * time.Millisecond)
			Expect(m.Snapshot().Uptime).To(BeNumerically(">=", 5*time.Millisecond))
		})
	})
})
