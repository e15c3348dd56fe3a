package dif

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"itemId", "alpha", "deltaMH", "flag"}

// WriteCSV writes the ranked item table, one row per screened item.
func WriteCSV(w io.Writer, res *Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, it := range res.Items {
		flag := ""
		if it.Flag {
			flag = "FLAG"
		}
		record := []string{
			it.ItemID,
			strconv.FormatFloat(it.Alpha, 'f', 4, 64),
			strconv.FormatFloat(it.DeltaMH, 'f', 3, 64),
			flag,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", it.ItemID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
