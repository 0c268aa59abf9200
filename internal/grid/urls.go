package grid

import (
	"strings"

	"github.com/TagusLX/scrapTV/internal/scrape"
)

const baseURL = "https://www.idealista.pt"

// Listing-site path vocabulary.
const (
	saleBase        = "comprar-casas"
	rentBase        = "arrendar-casas"
	longTermRent    = "arrendamento-longa-duracao"
	districtSuffix  = "-distrito"
	typeParamPrefix = "com-"
	bedroomsT4Param = "t4-t5"
)

var propertySlugs = map[scrape.PropertyType]string{
	scrape.PropertyApartment: "apartamentos",
	scrape.PropertyHouse:     "moradias",
	scrape.PropertyUrbanPlot: "terrenos-urbanizaveis",
	scrape.PropertyRuralPlot: "terrenos-nao-urbanizaveis",
}

// URLFor builds the listing URL for one cell. The scheme mirrors the site:
// a district-only URL uses "<slug>-distrito"; once a municipality is
// present the path restarts at the bare municipality slug; parish slugs
// append to that. Property type and bedrooms ride as comma-joined params
// in the final segment, and rent URLs carrying params also pin the
// long-term-rental filter.
func URLFor(cell scrape.Cell) string {
	base := saleBase
	if cell.Operation == scrape.OperationRent {
		base = rentBase
	}

	parts := strings.Split(cell.LocationID, "/")
	var path []string
	switch len(parts) {
	case 1:
		path = []string{parts[0] + districtSuffix}
	case 2:
		path = []string{parts[1]}
	default:
		path = []string{parts[1], parts[2]}
	}

	var params []string
	if slug, ok := propertySlugs[cell.Property]; ok {
		params = append(params, typeParamPrefix+slug)
	}
	if b := bedroomsParam(cell.Bedrooms); b != "" {
		params = append(params, b)
	}
	if cell.Operation == scrape.OperationRent && len(params) > 0 {
		params = append(params, longTermRent)
	}

	url := baseURL + "/" + base + "/" + strings.Join(path, "/")
	url = strings.TrimRight(url, "/")
	if len(params) > 0 {
		url += "/" + strings.Join(params, ",")
	}
	return url + "/"
}

func bedroomsParam(b scrape.Bedrooms) string {
	switch b {
	case scrape.BedroomsNone, scrape.BedroomsAll:
		return ""
	case scrape.BedroomsT4:
		return bedroomsT4Param
	default:
		return string(b)
	}
}
