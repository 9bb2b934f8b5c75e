package stats

import (
	"testing"

	. "github.com/onsi/gomega"
	"github.com/relloyd/lakepipe/logger"
)

func TestRunStatsManager(t *testing.T) {
	g := NewWithT(t)
	log := logger.NewLogger("lakepipe", "error", true)
	mgr := NewRunStats(log, WithDumpFrequency(0))
	ex := mgr.AddStepWatcher(StepExtract)
	g.Expect(mgr.AddStepWatcher(StepExtract)).To(BeIdenticalTo(ex))
	g.Expect(ex.RenderStats().StatusText).To(Equal("idle"))

	mgr.StartDumping()
	ld := mgr.AddStepWatcher(StepLoad) // added after dumping started.
	ex.AddBatch(25)
	ex.AddBatch(10)
	ld.AddBatch(35)
	ld.AddRetry()
	got := mgr.GetStats()
	g.Expect(got).To(HaveLen(2))
	g.Expect(got[0].StatusText).To(Equal("running"))
	g.Expect(got[1].StatusText).To(Equal("running"))
	g.Expect(got[0].RowsPerSecondAvg).To(Equal(35))

	mgr.StopDumping()
	mgr.StopDumping()
	got = mgr.GetStats()
	g.Expect(got[0].StepName).To(Equal(StepExtract))
	g.Expect(got[0].StatusText).To(Equal("complete"))
	g.Expect(got[0].TotalRowsProcessed).To(Equal(35))
	g.Expect(got[0].TotalBatches).To(Equal(2))
	g.Expect(got[1].StepName).To(Equal(StepLoad))
	g.Expect(got[1].TotalBatches).To(Equal(1))
	g.Expect(got[1].Retries).To(Equal(1))
	g.Expect(got[1].String()).To(ContainSubstring("retries=1"))
	g.Expect(got[0].String()).To(ContainSubstring("totalRowsProcessed=35"))
}

func TestRunStatsManagerDumps(t *testing.T) {
	g := NewWithT(t)
	mgr := NewRunStats(logger.NewLogger("lakepipe", "error", true), WithDumpFrequency(1))
	mgr.AddStepWatcher(StepTransform).AddBatch(3)
	mgr.StartDumping()
	mgr.StartDumping()
	mgr.StopDumping()
	g.Expect(mgr.GetStats()[0].TotalRowsProcessed).To(Equal(3))
}

func TestNilStepWatcher(t *testing.T) {
	g := NewWithT(t)
	var sw *StepWatcher
	sw.StartWatching()
	sw.AddBatch(1)
	sw.AddRetry()
	sw.CalculateStats()
	sw.StopWatching()
	g.Expect(sw.RenderStats()).To(Equal(Stats{}))
	m := NewMockStatsManager()
	g.Expect(m.AddStepWatcher(StepLoad)).To(BeNil())
	g.Expect(m.GetStats()).To(BeEmpty())
}
