// Package billxlsx turns a downloaded profit sharing bill into an xlsx workbook.
//
// The bill is CSV text: a detail header, detail rows, then a summary header starting with
// 总条数 and its row. Every data cell carries a leading backtick so spreadsheets keep long
// ids as text; Parse strips it.
package billxlsx

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const summaryMarker = "总条数"

type Bill struct {
	Headers        []string
	Rows           [][]string
	SummaryHeaders []string
	Summary        [][]string
}

func ParseFile(path string) (*Bill, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Bill, error) {
	br := bufio.NewReader(r)
	// Some bills start with a UTF-8 BOM.
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	bill := &Bill{}
	inSummary := false
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("解析账单失败: %w", err)
		}
		rec = cleanRecord(rec)
		if len(rec) == 0 {
			continue
		}
		switch {
		case bill.Headers == nil:
			bill.Headers = rec
		case !inSummary && rec[0] == summaryMarker:
			inSummary = true
			bill.SummaryHeaders = rec
		case inSummary:
			bill.Summary = append(bill.Summary, rec)
		default:
			bill.Rows = append(bill.Rows, rec)
		}
	}
	if bill.Headers == nil {
		return nil, errors.New("账单为空")
	}
	return bill, nil
}

// cleanRecord trims cells, drops the backtick prefix and trailing empty cells. A record
// with no content returns nil.
func cleanRecord(rec []string) []string {
	out := make([]string, len(rec))
	last := -1
	for i, v := range rec {
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, "`")
		out[i] = v
		if v != "" {
			last = i
		}
	}
	if last < 0 {
		return nil
	}
	return out[:last+1]
}
