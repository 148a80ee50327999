// Package memory keeps the structural engine state in a gits graph: which
// searches exist, the filter tables they run, and the REQUIRES relations
// between filters. The execution hot path never touches it; the driver maps
// entities at search registration and completion, and embedders can query
// the graph for bookkeeping.
package memory

import (
	"strconv"

	"github.com/voodooEntity/gits"
	"github.com/voodooEntity/gits/src/query"
	"github.com/voodooEntity/gits/src/storage"
	"github.com/voodooEntity/gits/src/transport"

	"github.com/voodooEntity/prospector/src/system/archivist"
	"github.com/voodooEntity/prospector/src/system/fspec"
)

type Memory struct {
	Gits *gits.Gits
	log  *archivist.Archivist
}

func New(ident string, logger *archivist.Archivist) *Memory {
	return &Memory{
		Gits: gits.NewInstance(ident),
		log:  logger,
	}
}

// RegisterSearch maps a Search entity with its filter table into the graph.
// Each filter becomes a child entity of the search; REQUIRES edges become
// relations between the filter entities.
func (m *Memory) RegisterSearch(searchID string, table *fspec.Table) {
	searchEntity := transport.TransportEntity{
		ID:      storage.MAP_FORCE_CREATE,
		Type:    "Search",
		Value:   searchID,
		Context: "System",
		Properties: map[string]string{
			"State":   "Running",
			"Filters": strconv.Itoa(table.Len()),
		},
	}
	for _, filt := range table.Filters {
		searchEntity.ChildRelations = append(searchEntity.ChildRelations, transport.TransportRelation{
			Target: transport.TransportEntity{
				ID:      storage.MAP_FORCE_CREATE,
				Type:    "Filter",
				Value:   filt.Name,
				Context: searchID,
				Properties: map[string]string{
					"Threshold": strconv.Itoa(filt.Threshold),
					"Merit":     strconv.Itoa(filt.Merit),
					"Signature": filt.Signature(),
					"Eval":      filt.EvalFunction,
				},
			},
		})
	}
	m.Gits.MapData(searchEntity)
	m.log.Debug(archivist.DEBUG_LEVEL_TRACE, "memory registered search id=", searchID, " filters=", table.Len())

	// link REQUIRES edges between the freshly mapped filter entities
	for _, filt := range table.Filters {
		for _, dep := range filt.Dependencies {
			qry := query.New().Link("Filter").Match("Value", "==", filt.Name).Match("Context", "==", searchID).To(
				query.New().Find("Filter").Match("Value", "==", dep).Match("Context", "==", searchID),
			)
			m.Gits.Query().Execute(qry)
		}
	}
}

// CompleteSearch maps the terminal outcome of a search: its final state and
// counters. Outcomes are separate entities so the record stays append-only.
func (m *Memory) CompleteSearch(searchID string, state string, processed uint64, passed uint64, dropped uint64) {
	m.Gits.MapData(transport.TransportEntity{
		ID:      storage.MAP_FORCE_CREATE,
		Type:    "SearchOutcome",
		Value:   searchID,
		Context: "System",
		Properties: map[string]string{
			"State":     state,
			"Processed": strconv.FormatUint(processed, 10),
			"Passed":    strconv.FormatUint(passed, 10),
			"Dropped":   strconv.FormatUint(dropped, 10),
		},
	})
	m.log.Debug(archivist.DEBUG_LEVEL_TRACE, "memory completed search id=", searchID, " state=", state)
}

// SearchOutcome reads back the mapped outcome for a search, if any.
func (m *Memory) SearchOutcome(searchID string) (map[string]string, bool) {
	qry := query.New().Read("SearchOutcome").Match("Value", "==", searchID)
	result := m.Gits.Query().Execute(qry)
	if result.Amount == 0 {
		return nil, false
	}
	return result.Entities[0].Properties, true
}

// SearchFilters reads the filter entities registered for a search.
func (m *Memory) SearchFilters(searchID string) []transport.TransportEntity {
	qry := query.New().Read("Filter").Match("Context", "==", searchID)
	result := m.Gits.Query().Execute(qry)
	return result.Entities
}
