package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseTokens parses rows of comma separated token ids; rows are separated
// by semicolons, for example "1,2,3;4,5,6".
func parseTokens(s string) ([][]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("no tokens given")
	}
	var rows [][]int
	for i, part := range strings.Split(s, ";") {
		fields := strings.Split(part, ",")
		row := make([]int, 0, len(fields))
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			id, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid token %q", i, f)
			}
			row = append(row, id)
		}
		if len(row) == 0 {
			return nil, fmt.Errorf("row %d is empty", i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
