package config_test

import (
	"os"
	"path"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/relloyd/lakepipe/config"
	c "github.com/relloyd/lakepipe/constants"
	ts "github.com/relloyd/lakepipe/transform-spec"
)

const minimalRun = `
runId: orders
source:
  dsn: "duckdb:"
  table: main.orders
  keyColumn: id
destination:
  url: mem://lake/orders
`

var _ = Describe("RunConfig", func() {
	parse := func(s string) *config.RunConfig {
		cfg, err := config.ParseRunConfig([]byte(s))
		Expect(err).NotTo(HaveOccurred())
		return cfg
	}

	It("applies defaults", func() {
		cfg := parse(minimalRun)
		Expect(cfg.Validate()).To(Succeed())
		Expect(cfg.RunID).To(Equal("orders"))
		Expect(cfg.Source.Table).To(Equal("main.orders"))
		Expect(cfg.BatchSize).To(Equal(c.DefaultBatchSize))
		Expect(cfg.MaxRetries).To(Equal(c.DefaultMaxRetries))
		Expect(cfg.RetryBackoffBase()).To(Equal(500 * time.Millisecond))
		Expect(cfg.PrefetchDepth).To(Equal(c.DefaultPrefetchDepth))
		Expect(cfg.PartitionConflictPolicy).To(Equal(c.ConflictPolicyFail))
		Expect(cfg.Checkpoint.Type).To(Equal(c.CheckpointTypeObject))
		Expect(cfg.Destination.Region).To(Equal(config.DefaultRegion))
		Expect(cfg.LogLevel).To(Equal("info"))
		Expect(cfg.TransformSpec.IsPassThrough()).To(BeTrue())
		Expect(cfg.TransformSpec.OnError).To(Equal(ts.OnErrorFail))

		b, err := cfg.Bucket()
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Scheme).To(Equal(c.ConnectionTypeMemory))
		Expect(b.Name).To(Equal("lake"))
		Expect(b.Prefix).To(Equal("orders"))
	})

	It("weakly decodes scalar values", func() {
		cfg := parse(minimalRun + `
batchSize: "1000"
prefetchDepth: 0
startWatermark: 42
`)
		Expect(cfg.Validate()).To(Succeed())
		Expect(cfg.BatchSize).To(Equal(1000))
		Expect(cfg.PrefetchDepth).To(Equal(0))
		Expect(cfg.StartWatermark).To(Equal("42"))
	})

	It("rejects unknown keys", func() {
		_, err := config.ParseRunConfig([]byte(minimalRun + "batchSise: 10\n"))
		Expect(err).To(MatchError(ContainSubstring("batchSise")))
	})

	It("lists missing mandatory values", func() {
		cfg := parse("runId: x\n")
		err := cfg.Validate()
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("source.dsn"))
		Expect(err.Error()).To(ContainSubstring("source.keyColumn"))
		Expect(err.Error()).To(ContainSubstring("destination.url"))
	})

	DescribeTable("rejects invalid values",
		func(mutate func(cfg *config.RunConfig), msg string) {
			cfg := parse(minimalRun)
			mutate(cfg)
			Expect(cfg.Validate()).To(MatchError(ContainSubstring(msg)))
		},
		Entry("run id", func(cfg *config.RunConfig) { cfg.RunID = "a__b" }, "runId"),
		Entry("batch size", func(cfg *config.RunConfig) { cfg.BatchSize = 0 }, "batchSize"),
		Entry("prefetch", func(cfg *config.RunConfig) { cfg.PrefetchDepth = 4 }, "prefetchDepth"),
		Entry("conflict policy", func(cfg *config.RunConfig) { cfg.PartitionConflictPolicy = "overwrite" }, "partitionConflictPolicy"),
		Entry("checkpoint type", func(cfg *config.RunConfig) { cfg.Checkpoint.Type = "redis" }, "checkpoint.type"),
		Entry("postgres dsn", func(cfg *config.RunConfig) { cfg.Checkpoint.Type = c.CheckpointTypePostgres }, "checkpoint.dsn"),
		Entry("log level", func(cfg *config.RunConfig) { cfg.LogLevel = "chatty" }, "logLevel"),
		Entry("incremental", func(cfg *config.RunConfig) { cfg.Source.IncrementalSince = "2024-01-01" }, "incrementalColumn"),
		Entry("transform", func(cfg *config.RunConfig) { cfg.TransformSpec.OnError = "ignore" }, "onError"),
		Entry("s3 region", func(cfg *config.RunConfig) {
			cfg.Destination.Url = "s3://bucket/prefix"
			cfg.Destination.Region = ""
		}, "region"),
	)

	It("loads the invoices example", func() {
		cfg, err := config.LoadRunConfigFile(path.Join("..", "examples", "invoices.yaml"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Validate()).To(Succeed())
		Expect(cfg.Source.IncrementalColumn).To(Equal("updated_at"))
		Expect(cfg.TransformSpec.Filters).To(Equal([]string{"status <> 'cancelled'"}))
		Expect(cfg.TransformSpec.Columns).To(HaveLen(6))
		Expect(cfg.TransformSpec.Columns[2].Expr).To(Equal(`trim(regexp_replace(description, '\s+', ' ', 'g'))`))
		Expect(cfg.TransformSpec.Columns[5]).To(Equal(ts.ColumnSpec{Name: "amount", Expr: "amount_cents / 100", Type: "decimal(18,2)"}))
		b, err := cfg.Bucket()
		Expect(err).NotTo(HaveOccurred())
		Expect(b.String()).To(Equal("s3://acme-lake/raw/invoices"))
		Expect(b.Region).To(Equal("eu-west-1"))
	})

	It("reports a missing file", func() {
		_, err := config.LoadRunConfigFile(path.Join(os.TempDir(), "no-such-run.yaml"))
		Expect(err).To(HaveOccurred())
	})
})
