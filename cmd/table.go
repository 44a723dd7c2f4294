package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one column of command output
type column struct {
	title string
	align text.Align
}

var (
	processColumns = []column{
		{"Process", text.AlignLeft},
		{"Role", text.AlignLeft},
		{"PID", text.AlignRight},
		{"Status", text.AlignLeft},
	}
	peerColumns = []column{
		{"Peer", text.AlignLeft},
		{"State", text.AlignLeft},
		{"Attempts", text.AlignRight},
		{"Last error", text.AlignLeft},
	}
	eventColumns = []column{
		{"Time", text.AlignLeft},
		{"Run", text.AlignLeft},
		{"Process", text.AlignLeft},
		{"Event", text.AlignLeft},
		{"Details", text.AlignLeft},
	}
	optionColumns = []column{
		{"Option", text.AlignLeft},
		{"Value", text.AlignLeft},
	}
)

// renderTable draws rows under columns with headers kept as written.
// Missing cells are left blank and extra cells are dropped.
func renderTable(columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		header[i] = c.title
		configs[i] = table.ColumnConfig{Number: i + 1, Align: c.align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	return tw.Render()
}
