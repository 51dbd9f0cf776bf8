package main

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/gosuda/dialog/sublog"
)

// maxLineWidth wraps long captions so the time column stays readable.
const maxLineWidth = 80

// episodeRow is one line of `dialog episodes`.
type episodeRow struct {
	ID      string
	Lines   int // -1 when the stored log is unreadable
	Current bool
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	return tw
}

func logTable(entries []sublog.Entry, timestamps bool) string {
	tw := newTable()
	if timestamps {
		tw.AppendHeader(table.Row{"Time", "Text"})
		tw.SetColumnConfigs([]table.ColumnConfig{
			{Name: "Time", Align: text.AlignRight, AlignHeader: text.AlignLeft},
			{Name: "Text", WidthMax: maxLineWidth},
		})
	} else {
		tw.AppendHeader(table.Row{"Text"})
		tw.SetColumnConfigs([]table.ColumnConfig{{Name: "Text", WidthMax: maxLineWidth}})
	}
	for _, e := range entries {
		if timestamps {
			tw.AppendRow(table.Row{e.Time, e.Text})
		} else {
			tw.AppendRow(table.Row{e.Text})
		}
	}
	tw.SetCaption("%d lines", len(entries))
	return tw.Render()
}

func episodeTable(rows []episodeRow) string {
	tw := newTable()
	tw.AppendHeader(table.Row{"", "Episode", "Lines"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Lines", Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	for _, r := range rows {
		mark, lines := "", "?"
		if r.Current {
			mark = "*"
		}
		if r.Lines >= 0 {
			lines = strconv.Itoa(r.Lines)
		}
		tw.AppendRow(table.Row{mark, r.ID, lines})
	}
	return tw.Render()
}
