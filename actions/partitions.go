package actions

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/pkg/errors"
	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/file"
	"github.com/relloyd/lakepipe/logger"
)

type PartitionsListConfig struct {
	RunSource
	Inspect          bool   // read Parquet footers to report row counts.
	Output           string // json, yaml or empty for a table.
	LogLevel         string `errorTxt:"log level" mandatory:"yes"`
	StackDumpOnPanic bool
	Writer           io.Writer
}

type PartitionListItem struct {
	Key        string `json:"key"`
	Seq        int64  `json:"seq"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Size       int64  `json:"size"`
	NumRows    *int64 `json:"numRows,omitempty"`
	RowGroups  *int   `json:"rowGroups,omitempty"`
	InspectErr string `json:"inspectError,omitempty"`
}

type PartitionList struct {
	RunID      string              `json:"runId"`
	Partitions []PartitionListItem `json:"partitions"`
	Gaps       []string            `json:"gaps,omitempty"`
	Staged     []string            `json:"staged,omitempty"` // staging objects left by failed promotions.
}

// ListPartitions finds the partitions of the run, sorted by sequence, and reports gaps between them.
func ListPartitions(ctx context.Context, log logger.Logger, cfg *PartitionsListConfig) (*PartitionList, error) {
	rc, err := cfg.load(nil)
	if err != nil {
		return nil, err
	}
	dst, err := openDestination(ctx, log, rc)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dst.close() }()
	runDir := fmt.Sprintf("run=%v/", rc.RunID)
	objects, err := dst.client.List(ctx, runDir)
	if err != nil {
		return nil, errors.Wrap(err, "error listing partitions")
	}
	list := &PartitionList{RunID: rc.RunID, Partitions: make([]PartitionListItem, 0, len(objects))}
	names := make([]file.PartitionName, 0, len(objects))
	for _, o := range objects {
		pn, err := file.ParsePartitionName(o.Key)
		if err != nil || pn.RunID != rc.RunID {
			log.Debug("skipping object ", o.Key)
			continue
		}
		names = append(names, pn)
		item := PartitionListItem{Key: o.Key, Seq: pn.Seq, Start: pn.StartToken, End: pn.EndToken, Size: o.Size}
		if cfg.Inspect {
			inspect(ctx, dst, &item)
		}
		list.Partitions = append(list.Partitions, item)
	}
	sort.SliceStable(list.Partitions, func(i, j int) bool { return list.Partitions[i].Seq < list.Partitions[j].Seq })
	for _, g := range file.FindGaps(names) {
		list.Gaps = append(list.Gaps, g.String())
	}
	staged, err := dst.client.List(ctx, file.JoinKey(c.StagingDirName, runDir)+"/")
	if err != nil {
		return nil, errors.Wrap(err, "error listing staged partitions")
	}
	for _, o := range staged {
		list.Staged = append(list.Staged, o.Key)
	}
	return list, nil
}

func inspect(ctx context.Context, dst *destination, item *PartitionListItem) {
	data, err := dst.client.Get(ctx, item.Key)
	if err != nil {
		item.InspectErr = err.Error()
		return
	}
	info, err := file.InspectParquet(data)
	if err != nil {
		item.InspectErr = err.Error()
		return
	}
	item.NumRows, item.RowGroups = &info.NumRows, &info.NumRowGroups
}

// RunPartitionsList prints the partitions of the run.
func RunPartitionsList(cfg *PartitionsListConfig) error {
	log := logger.NewLogger(c.ServiceName, cfg.LogLevel, cfg.StackDumpOnPanic)
	list, err := ListPartitions(context.Background(), log, cfg)
	if err != nil {
		return err
	}
	if cfg.Output != "" {
		return writeOutput(cfg.Writer, list, cfg.Output)
	}
	return writePartitionTable(cfg.Writer, list, cfg.Inspect)
}

func writePartitionTable(w io.Writer, list *PartitionList, inspected bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if inspected {
		fmt.Fprintln(tw, "SEQ\tSTART\tEND\tBYTES\tROWS\tKEY")
	} else {
		fmt.Fprintln(tw, "SEQ\tSTART\tEND\tBYTES\tKEY")
	}
	for _, p := range list.Partitions {
		if inspected {
			rows := "?"
			if p.NumRows != nil {
				rows = fmt.Sprint(*p.NumRows)
			}
			fmt.Fprintf(tw, "%d\t%v\t%v\t%d\t%v\t%v\n", p.Seq, p.Start, p.End, p.Size, rows, p.Key)
		} else {
			fmt.Fprintf(tw, "%d\t%v\t%v\t%d\t%v\n", p.Seq, p.Start, p.End, p.Size, p.Key)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d partitions\n", len(list.Partitions))
	for _, g := range list.Gaps {
		fmt.Fprintln(w, "gap:", g)
	}
	for _, s := range list.Staged {
		fmt.Fprintln(w, "staged:", s)
	}
	return nil
}
