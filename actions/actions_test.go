package actions

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/relloyd/lakepipe/aws/s3"
	"github.com/relloyd/lakepipe/config"
	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/logger"
	"github.com/relloyd/lakepipe/orchestrator"
	"github.com/rs/xid"
)

// newSource creates a DuckDB file holding table orders with ids 1..n.
func newSource(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	for _, stmt := range []string{
		"CREATE TABLE orders (id BIGINT NOT NULL, amount DECIMAL(10,2), note VARCHAR)",
		fmt.Sprintf("INSERT INTO orders SELECT i, i * 1.5, 'order ' || CAST(i AS VARCHAR) FROM range(1, %d) r(i)", n+1),
	} {
		if _, err = db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

// runYaml returns a run config writing to a fresh in-memory bucket, with the bucket.
func runYaml(t *testing.T, source string) (string, *s3.MemoryClient) {
	t.Helper()
	bucket := "actions-" + xid.New().String()
	return fmt.Sprintf(`
runId: orders
source:
  dsn: duckdb:%v
  table: orders
  keyColumn: id
destination:
  url: mem://%v/lake
batchSize: 10
maxRetries: 1
retryBackoffBaseMs: 1
logLevel: error
`, source, bucket), s3.GetMemoryBucket(bucket)
}

func TestRunPipeEndToEnd(t *testing.T) {
	g := NewWithT(t)
	doc, bucket := runYaml(t, newSource(t, 35))
	src := RunSource{ConfigYaml: doc}

	g.Expect(RunPipe(&RunPipeConfig{RunSource: src})).To(Succeed())
	keys := bucket.Keys()
	g.Expect(keys).To(ContainElement("lake/_checkpoints/orders.json"))
	g.Expect(keys).To(ContainElement("lake/run=orders/part-00000001__1__11.parquet"))
	g.Expect(keys).To(ContainElement("lake/run=orders/part-00000004__31__36.parquet"))

	// partitions list
	list, err := ListPartitions(context.Background(), logger.NewLogger(constants.ServiceName, "error", false),
		&PartitionsListConfig{RunSource: src, Inspect: true})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(list.Partitions).To(HaveLen(4))
	g.Expect(list.Gaps).To(BeEmpty())
	g.Expect(list.Staged).To(BeEmpty())
	var rows int64
	for i, p := range list.Partitions {
		g.Expect(p.Seq).To(Equal(int64(i + 1)))
		g.Expect(p.InspectErr).To(BeEmpty())
		g.Expect(p.NumRows).NotTo(BeNil())
		rows += *p.NumRows
	}
	g.Expect(rows).To(Equal(int64(35)))

	var out bytes.Buffer
	g.Expect(RunPartitionsList(&PartitionsListConfig{RunSource: src, LogLevel: "error", Writer: &out})).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring("4 partitions"))
	g.Expect(out.String()).NotTo(ContainSubstring("gap:"))

	// checkpoint show
	out.Reset()
	g.Expect(RunCheckpointShow(&CheckpointConfig{RunSource: src, Output: OutputJson, LogLevel: "error", Writer: &out})).To(Succeed())
	var rec map[string]interface{}
	g.Expect(json.Unmarshal(out.Bytes(), &rec)).To(Succeed())
	g.Expect(rec["runId"]).To(Equal("orders"))
	g.Expect(rec["batchSeq"]).To(BeNumerically("==", 4))

	out.Reset()
	g.Expect(RunCheckpointShow(&CheckpointConfig{RunSource: src, Output: OutputYaml, LogLevel: "error", Writer: &out})).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring("runId: orders"))

	// A second run finds nothing new.
	g.Expect(RunPipe(&RunPipeConfig{RunSource: src})).To(Succeed())
	g.Expect(bucket.Keys()).To(HaveLen(len(keys)))

	// checkpoint reset
	out.Reset()
	g.Expect(RunCheckpointReset(&CheckpointConfig{RunSource: src, LogLevel: "error", Writer: &out})).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring(`Checkpoint for run "orders" removed`))
	g.Expect(bucket.Keys()).NotTo(ContainElement("lake/_checkpoints/orders.json"))
	out.Reset()
	g.Expect(RunCheckpointShow(&CheckpointConfig{RunSource: src, LogLevel: "error", Writer: &out})).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring("no checkpoint found"))

	// Rerunning after a reset finds identical partitions already present.
	g.Expect(RunPipe(&RunPipeConfig{RunSource: src})).To(Succeed())
	g.Expect(bucket.Keys()).To(ConsistOf(keys))
}

func TestRunPipeOverrides(t *testing.T) {
	g := NewWithT(t)
	doc, bucket := runYaml(t, newSource(t, 30))
	src := RunSource{ConfigYaml: doc}

	g.Expect(RunPipe(&RunPipeConfig{RunSource: src, BatchSize: 100, StartWatermark: "21"})).To(Succeed())
	g.Expect(bucket.Keys()).To(ContainElement("lake/run=orders/part-00000001__21__31.parquet"))

	err := RunPipe(&RunPipeConfig{RunSource: src, ConflictPolicy: "overwrite"})
	g.Expect(err).To(MatchError(ContainSubstring("partitionConflictPolicy")))
	g.Expect(RunPipe(&RunPipeConfig{})).To(MatchError(ContainSubstring("run config")))
}

func TestPartitionsListReportsGaps(t *testing.T) {
	g := NewWithT(t)
	doc, bucket := runYaml(t, newSource(t, 30))
	src := RunSource{ConfigYaml: doc}
	g.Expect(RunPipe(&RunPipeConfig{RunSource: src})).To(Succeed())
	data, err := bucket.Get(context.Background(), "lake/run=orders/part-00000002__11__21.parquet")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(bucket.Delete(context.Background(), "lake/run=orders/part-00000002__11__21.parquet")).To(Succeed())
	bucket.PutRaw("lake/_staging/run=orders/part-00000002__11__21.parquet", data)
	bucket.PutRaw("lake/run=orders/notes.txt", []byte("not a partition"))

	var out bytes.Buffer
	g.Expect(RunPartitionsList(&PartitionsListConfig{RunSource: src, LogLevel: "error", Writer: &out})).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring("2 partitions"))
	g.Expect(out.String()).To(ContainSubstring("gap: missing sequence 2-2"))
	g.Expect(out.String()).To(ContainSubstring("staged: _staging/run=orders/part-00000002__11__21.parquet"))
}

type fakeRun struct {
	status  orchestrator.Status
	stopped int
}

func (f *fakeRun) Status() orchestrator.Status { return f.status }
func (f *fakeRun) Stop()                       { f.stopped++ }

func TestControlServer(t *testing.T) {
	g := NewWithT(t)
	run := &fakeRun{status: orchestrator.Status{RunID: "orders", State: orchestrator.Loading, BatchSeq: 3}}
	srv := httptest.NewServer(newRouter(logger.NewLogger(constants.ServiceName, "error", false), run))
	defer srv.Close()

	get := func(method, path string) (int, map[string]interface{}) {
		req, err := http.NewRequest(method, srv.URL+path, nil)
		g.Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		g.Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		var body map[string]interface{}
		if resp.StatusCode != http.StatusMethodNotAllowed {
			g.Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			g.Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		}
		return resp.StatusCode, body
	}

	code, body := get(http.MethodGet, "/health")
	g.Expect(code).To(Equal(http.StatusOK))
	g.Expect(body["status"]).To(Equal("ok"))

	code, body = get(http.MethodGet, "/status")
	g.Expect(code).To(Equal(http.StatusOK))
	g.Expect(body["run"]).To(HaveKeyWithValue("state", "loading"))
	g.Expect(body["run"]).To(HaveKeyWithValue("batchSeq", BeNumerically("==", 3)))

	code, _ = get(http.MethodGet, "/stop")
	g.Expect(code).To(Equal(http.StatusMethodNotAllowed))
	g.Expect(run.stopped).To(Equal(0))

	code, body = get(http.MethodPost, "/stop")
	g.Expect(code).To(Equal(http.StatusOK))
	g.Expect(body["status"]).To(Equal("ok"))
	g.Expect(run.stopped).To(Equal(1))

	run.status.State = orchestrator.Done
	code, body = get(http.MethodPost, "/stop")
	g.Expect(code).To(Equal(http.StatusConflict))
	g.Expect(body["status"]).To(Equal("error"))
	g.Expect(run.stopped).To(Equal(1))
}

func TestDefaults(t *testing.T) {
	g := NewWithT(t)
	f := config.NewConfigFileWithDir(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	g.Expect(RunDefaultAdd(&DefaultAddConfig{ConfigFile: f, Key: "batch-size", Value: "100", Writer: &out})).To(Succeed())
	g.Expect(RunDefaultAdd(&DefaultAddConfig{ConfigFile: f, Key: "batch-size", Value: "200", Writer: &out})).To(MatchError(ContainSubstring("exists")))
	g.Expect(RunDefaultAdd(&DefaultAddConfig{ConfigFile: f, Key: "batch-size", Value: "200", Force: true, Writer: &out})).To(Succeed())
	var v string
	g.Expect(f.Get("batch-size", &v)).To(Succeed())
	g.Expect(v).To(Equal("200"))
	g.Expect(RunDefaultAdd(&DefaultAddConfig{ConfigFile: f, Key: "", Value: "1", Writer: &out})).To(MatchError(ContainSubstring("key")))
	valid := []string{"batch-size", "log-level"}
	g.Expect(RunDefaultAdd(&DefaultAddConfig{ConfigFile: f, Key: "batch-sise", Value: "1", ValidKeys: valid, Writer: &out})).To(MatchError(ContainSubstring("unknown flag")))
	g.Expect(RunDefaultAdd(&DefaultAddConfig{ConfigFile: f, Key: "log-level", Value: "debug", ValidKeys: valid, Writer: &out})).To(Succeed())
	out.Reset()
	g.Expect(RunDefaultList(f, &out)).To(Succeed())
	g.Expect(out.String()).To(Equal("batch-size=200\nlog-level=debug\n"))
	// A fresh reader sees the saved file.
	out.Reset()
	g.Expect(RunDefaultList(config.NewConfigFileWithDir(filepath.Dir(f.FullPath), "config.yaml"), &out)).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring("log-level=debug"))
	g.Expect(RunDefaultRemove(&DefaultRemoveConfig{ConfigFile: f, Key: "batch-size", Writer: &out})).To(Succeed())
	g.Expect(RunDefaultRemove(&DefaultRemoveConfig{ConfigFile: f, Key: "batch-size", Writer: &out})).To(HaveOccurred())
}
