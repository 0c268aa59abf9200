package geo

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// unionPrefix is dropped from parish names; the listing site indexes merged
// parishes under the bare name.
const unionPrefix = "União das freguesias de "

// ReadTSV parses the tabular location source: tab-separated
// (district, municipality, parish) with a header row.
func ReadTSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read location tsv: %w", err)
	}
	var rows []Row
	for i, rec := range records {
		if i == 0 {
			continue // header
		}
		if len(rec) < 3 {
			continue
		}
		rows = append(rows, Row{
			District:     strings.TrimSpace(rec[0]),
			Municipality: strings.TrimSpace(rec[1]),
			Parish:       normalizeParish(rec[2]),
		})
	}
	return rows, nil
}

// LoadTSV builds a Graph straight from a TSV file on disk.
func LoadTSV(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open location tsv: %w", err)
	}
	defer f.Close()

	rows, err := ReadTSV(f)
	if err != nil {
		return nil, err
	}
	return Build(rows)
}

func normalizeParish(name string) string {
	name = strings.TrimSpace(name)
	return strings.TrimPrefix(name, unionPrefix)
}
