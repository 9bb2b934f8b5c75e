package file

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/stream"
)

// PartitionName identifies an output partition: run=<runId>/part-<seq:08d>__<start>__<end>.parquet.
// Watermark tokens never contain "__" so the name can be parsed back.
type PartitionName struct {
	RunID      string
	Seq        int64
	StartToken string
	EndToken   string
}

func NewPartitionName(runID string, seq int64, r stream.WatermarkRange) PartitionName {
	return PartitionName{RunID: runID, Seq: seq, StartToken: r.Start.Token(), EndToken: r.End.Token()}
}

// String returns the object key relative to the destination prefix.
func (p PartitionName) String() string {
	return fmt.Sprintf("run=%v/part-%08d__%v__%v%v", p.RunID, p.Seq, p.StartToken, p.EndToken, constants.PartitionFileExt)
}

// Range decodes the watermark range using the key kind of the run.
func (p PartitionName) Range(kind stream.WatermarkKind) (stream.WatermarkRange, error) {
	start, err := stream.ParseWatermarkToken(kind, p.StartToken)
	if err != nil {
		return stream.WatermarkRange{}, err
	}
	end, err := stream.ParseWatermarkToken(kind, p.EndToken)
	if err != nil {
		return stream.WatermarkRange{}, err
	}
	return stream.WatermarkRange{Start: start, End: end}, nil
}

var rePartitionName = regexp.MustCompile(`(?:^|/)run=([^/]+)/part-([0-9]{8,})__(.*?)__(.*)` + regexp.QuoteMeta(constants.PartitionFileExt) + `$`)

// ParsePartitionName parses an object key ending in a partition name. Any leading prefix is ignored.
func ParsePartitionName(key string) (PartitionName, error) {
	m := rePartitionName.FindStringSubmatch(key)
	if m == nil {
		return PartitionName{}, fmt.Errorf("%q is not a partition name", key)
	}
	seq, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return PartitionName{}, fmt.Errorf("bad sequence in partition name %q", key)
	}
	return PartitionName{RunID: m[1], Seq: seq, StartToken: m[3], EndToken: m[4]}, nil
}

// JoinKey joins an object prefix and key parts, ignoring empty parts.
func JoinKey(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return path.Join(nonEmpty...)
}

// StagingKey returns the key used to stage partition p below prefix.
func StagingKey(prefix string, p PartitionName) string {
	return JoinKey(prefix, constants.StagingDirName, p.String())
}

// FinalKey returns the promoted key of partition p below prefix.
func FinalKey(prefix string, p PartitionName) string {
	return JoinKey(prefix, p.String())
}

// PartitionGap describes a missing sequence number or a break in the watermark chain between two partitions.
type PartitionGap struct {
	After  PartitionName
	Before PartitionName
	Reason string
}

func (g PartitionGap) String() string {
	return fmt.Sprintf("%v between %v and %v", g.Reason, g.After, g.Before)
}

// FindGaps sorts parts by sequence and reports missing sequence numbers and watermark discontinuities.
// Every partition must belong to the same run.
func FindGaps(parts []PartitionName) []PartitionGap {
	sorted := make([]PartitionName, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	var gaps []PartitionGap
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		switch {
		case cur.Seq == prev.Seq:
			gaps = append(gaps, PartitionGap{After: prev, Before: cur, Reason: "duplicate sequence"})
		case cur.Seq != prev.Seq+1:
			gaps = append(gaps, PartitionGap{After: prev, Before: cur, Reason: fmt.Sprintf("missing sequence %d-%d", prev.Seq+1, cur.Seq-1)})
		case cur.StartToken != prev.EndToken:
			gaps = append(gaps, PartitionGap{After: prev, Before: cur, Reason: "non-contiguous watermark range"})
		}
	}
	return gaps
}
