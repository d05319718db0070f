package main

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olekukonko/tablewriter"

	"github.com/delaneyj/signaltree/cmd/treebench/report"
)

var header = []string{"scenario", "shape", "samples", "avg", "min", "p75", "p99", "max", "ops/s"}

func cells(r report.Row) []string {
	return []string{
		r.Scenario,
		r.Shape,
		humanizeInt(r.Samples),
		r.Avg.String(),
		r.Min.String(),
		r.P75.String(),
		r.P99.String(),
		r.Max.String(),
		r.Rate,
	}
}

func renderPretty(w io.Writer, title string, rows []report.Row) {
	tbl := table.NewWriter()
	tbl.SetTitle(title)
	tbl.SetOutputMirror(w)
	hdr := make(table.Row, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	tbl.AppendHeader(hdr)
	for _, r := range rows {
		c := cells(r)
		row := make(table.Row, len(c))
		for i, v := range c {
			row[i] = v
		}
		tbl.AppendRow(row)
	}
	tbl.Render()
}

func renderMarkdown(w io.Writer, rows []report.Row) {
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader(header)
	tbl.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	tbl.SetCenterSeparator("|")
	tbl.SetAutoFormatHeaders(false)
	for _, r := range rows {
		tbl.Append(cells(r))
	}
	tbl.Render()
}

func renderHTML(w io.Writer, title string, rows []report.Row) {
	report.WritePage(w, title, time.Now(), rows)
}
