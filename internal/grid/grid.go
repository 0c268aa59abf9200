// Package grid enumerates the target cells scraped for each location and
// builds the listing-site URLs behind them.
package grid

import (
	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/scrape"
)

// Operations in scrape order.
var Operations = []scrape.Operation{scrape.OperationSale, scrape.OperationRent}

// PropertyTypes in scrape order.
var PropertyTypes = []scrape.PropertyType{
	scrape.PropertyApartment,
	scrape.PropertyHouse,
	scrape.PropertyUrbanPlot,
	scrape.PropertyRuralPlot,
}

// BedroomVariants returns the bedroom axis for a property type. Plots carry
// no bedroom axis at all; houses have no t0 variant on the listing site.
func BedroomVariants(pt scrape.PropertyType) []scrape.Bedrooms {
	switch pt {
	case scrape.PropertyUrbanPlot, scrape.PropertyRuralPlot:
		return []scrape.Bedrooms{scrape.BedroomsNone}
	case scrape.PropertyHouse:
		return []scrape.Bedrooms{
			scrape.BedroomsAll,
			scrape.BedroomsT1, scrape.BedroomsT2, scrape.BedroomsT3, scrape.BedroomsT4,
		}
	default:
		return []scrape.Bedrooms{
			scrape.BedroomsAll,
			scrape.BedroomsT0, scrape.BedroomsT1, scrape.BedroomsT2, scrape.BedroomsT3, scrape.BedroomsT4,
		}
	}
}

// CellsFor enumerates the cells for one location node in deterministic
// order: operations outer, property types next, bedroom variants inner.
// The scheduler depends on this ordering to re-derive its cursor after a
// restart.
func CellsFor(node geo.Node) []scrape.Cell {
	var cells []scrape.Cell
	for _, op := range Operations {
		for _, pt := range PropertyTypes {
			for _, b := range BedroomVariants(pt) {
				cells = append(cells, scrape.Cell{
					LocationID: node.ID,
					Operation:  op,
					Property:   pt,
					Bedrooms:   b,
				})
			}
		}
	}
	return cells
}

// CellsPerNode is the grid width for one location.
func CellsPerNode() int {
	n := 0
	for _, pt := range PropertyTypes {
		n += len(BedroomVariants(pt))
	}
	return n * len(Operations)
}
