package adminscope

import (
	"context"
	"fmt"

	"adminscope/internal/planner"
	"adminscope/internal/schemaprobe"
	"adminscope/internal/scope"
)

// FilterAttributes name the logical attributes backing each list filter.
// An empty name means the table has no such filter.
type FilterAttributes struct {
	Date     string
	Status   string
	Category string
	Target   string
}

// DefaultFilterAttributes is the filter layout shared by most admin lists.
func DefaultFilterAttributes() FilterAttributes {
	return FilterAttributes{
		Date:     schemaprobe.CreatedAt,
		Status:   schemaprobe.Status,
		Category: schemaprobe.Category,
		Target:   schemaprobe.UserRef,
	}
}

// Table describes a scoped table. Hotel and Branch default to the
// hotel_ref and branch_ref attributes. Search lists physical columns
// matched by free text; those that do not exist are skipped.
type Table struct {
	Name    string
	Alias   string
	Hotel   string
	Branch  string
	Filters FilterAttributes
	Search  []string
}

func (s *Service) attribute(name, fallback string) (schemaprobe.Attribute, error) {
	if name == "" {
		name = fallback
	}
	attr, ok := s.registry.Attribute(name)
	if !ok {
		return schemaprobe.Attribute{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
	return attr, nil
}

func (s *Service) target(table Table) (scope.Target, error) {
	hotel, err := s.attribute(table.Hotel, schemaprobe.HotelRef)
	if err != nil {
		return scope.Target{}, err
	}
	branch, err := s.attribute(table.Branch, schemaprobe.BranchRef)
	if err != nil {
		return scope.Target{}, err
	}
	return scope.Target{Table: table.Name, Alias: table.Alias, Hotel: hotel, Branch: branch}, nil
}

func (s *Service) filterColumns(ctx context.Context, table Table) (planner.Columns, error) {
	cols := planner.Columns{Alias: table.Alias}

	slots := []struct {
		logical string
		dst     *planner.Column
	}{
		{table.Filters.Date, &cols.Date},
		{table.Filters.Status, &cols.Status},
		{table.Filters.Category, &cols.Category},
		{table.Filters.Target, &cols.Target},
	}
	for _, slot := range slots {
		if slot.logical == "" {
			continue
		}
		attr, ok := s.registry.Attribute(slot.logical)
		if !ok {
			return planner.Columns{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, slot.logical)
		}
		res := s.probe.ResolveAttribute(ctx, table.Name, attr)
		if res.Found {
			*slot.dst = planner.Column{Name: res.ActualName, Class: res.Class}
		}
	}

	for _, name := range table.Search {
		res := s.probe.ResolveAttribute(ctx, table.Name, schemaprobe.Attribute{Name: "search", Candidates: []string{name}})
		if res.Found {
			cols.Search = append(cols.Search, planner.Column{Name: res.ActualName, Class: res.Class})
		}
	}
	return cols, nil
}
