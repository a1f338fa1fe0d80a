package probeapp

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"adminscope/internal/adminscope"
	"adminscope/internal/schemaprobe"
)

// Resolution is the physical column backing one logical attribute.
type Resolution struct {
	Attribute string
	Column    string
	Found     bool
	Class     string
}

// TableReport lists the resolutions for one table. Err is set when the
// catalog could not answer whether the table exists.
type TableReport struct {
	Table       string
	Exists      bool
	Err         string
	Resolutions []Resolution
}

// Report is one probe cycle over the configured tables.
type Report struct {
	Tables []TableReport
}

// OK reports whether every catalog lookup in the cycle succeeded.
func (r Report) OK() bool {
	for _, t := range r.Tables {
		if t.Err != "" {
			return false
		}
	}
	return true
}

// BuildReport resolves every attribute in attrs on each table. A resolution
// shaped by a failed catalog lookup marks the table as errored, even when a
// later candidate was found.
func BuildReport(ctx context.Context, svc *adminscope.Service, tables []string, attrs []schemaprobe.Attribute) Report {
	probe := svc.Probe()
	report := Report{Tables: make([]TableReport, 0, len(tables))}
	for _, table := range tables {
		tr := TableReport{Table: table}
		exists, err := probe.TableExists(ctx, table)
		if err != nil {
			tr.Err = err.Error()
			report.Tables = append(report.Tables, tr)
			continue
		}
		tr.Exists = exists
		for _, attr := range attrs {
			if !exists {
				break
			}
			col := probe.ResolveAttribute(ctx, table, attr)
			if col.Degraded {
				tr.Err = fmt.Sprintf("catalog lookup failed for %s", attr.Name)
			}
			res := Resolution{Attribute: attr.Name, Column: col.ActualName, Found: col.Found}
			if col.Found {
				res.Class = col.Class.String()
			}
			tr.Resolutions = append(tr.Resolutions, res)
		}
		report.Tables = append(report.Tables, tr)
	}
	return report
}

// WriteTo prints the report as an aligned table.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tATTRIBUTE\tCOLUMN\tCLASS")
	for _, t := range r.Tables {
		switch {
		case t.Err != "":
			fmt.Fprintf(tw, "%s\t-\t(error: %s)\t-\n", t.Table, t.Err)
		case !t.Exists:
			fmt.Fprintf(tw, "%s\t-\t(table missing)\t-\n", t.Table)
		default:
			for _, res := range t.Resolutions {
				col, class := res.Column, res.Class
				if !res.Found {
					col, class = "(none)", "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Table, res.Attribute, col, class)
			}
		}
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Change is a resolution that differs between two probe cycles.
type Change struct {
	Table     string
	Attribute string
	Before    string
	After     string
}

// Diff lists what changed from prev to cur. Tables or attributes present
// in only one report compare against "(absent)". Tables whose lookup
// failed in either cycle are skipped.
func Diff(prev, cur Report) []Change {
	before := prev.index()
	after := cur.index()
	failed := func(table string) bool {
		key := reportKey{table: table}
		return before[key] == errMarker || after[key] == errMarker
	}

	var changes []Change
	for _, t := range cur.Tables {
		if failed(t.Table) {
			continue
		}
		for _, key := range t.keys() {
			b, ok := before[key]
			if !ok {
				b = "(absent)"
			}
			if a := after[key]; a != b {
				changes = append(changes, Change{Table: key.table, Attribute: key.attr, Before: b, After: a})
			}
		}
	}
	for _, t := range prev.Tables {
		if failed(t.Table) {
			continue
		}
		for _, key := range t.keys() {
			if _, ok := after[key]; !ok {
				changes = append(changes, Change{Table: key.table, Attribute: key.attr, Before: before[key], After: "(absent)"})
			}
		}
	}
	return changes
}

const errMarker = "(error)"

type reportKey struct {
	table string
	attr  string
}

func (t TableReport) keys() []reportKey {
	keys := []reportKey{{table: t.Table}}
	for _, res := range t.Resolutions {
		keys = append(keys, reportKey{table: t.Table, attr: res.Attribute})
	}
	return keys
}

// index flattens a report to one value per table and per attribute.
func (r Report) index() map[reportKey]string {
	out := make(map[reportKey]string)
	for _, t := range r.Tables {
		switch {
		case t.Err != "":
			out[reportKey{table: t.Table}] = errMarker
		case !t.Exists:
			out[reportKey{table: t.Table}] = "(table missing)"
		default:
			out[reportKey{table: t.Table}] = "(exists)"
		}
		for _, res := range t.Resolutions {
			v := "(none)"
			if res.Found {
				v = res.Column + " " + res.Class
			}
			out[reportKey{table: t.Table, attr: res.Attribute}] = v
		}
	}
	return out
}
