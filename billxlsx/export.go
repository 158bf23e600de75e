package billxlsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	DetailSheet  = "分账明细"
	SummarySheet = "汇总"
)

// Export parses the bill at srcPath and writes the workbook to outPath.
func Export(srcPath, outPath string) (*Bill, error) {
	b, err := ParseFile(srcPath)
	if err != nil {
		return nil, err
	}
	if err := WriteXLSX(b, outPath); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteXLSX writes a detail sheet and a summary sheet. Amount columns (header containing
// 金额) are written as numbers so they can be summed; everything else stays text.
func WriteXLSX(b *Bill, outPath string) error {
	if b == nil {
		return errors.New("账单为空")
	}
	if strings.TrimSpace(outPath) == "" {
		return errors.New("输出路径为空")
	}

	f := excelize.NewFile()
	defer f.Close()

	used := make(map[string]struct{}, 2)
	detail := uniqueSheetName(DetailSheet, used)
	summary := uniqueSheetName(SummarySheet, used)
	def := f.GetSheetName(0)
	if def == "" {
		def = "Sheet1"
	}
	if err := f.SetSheetName(def, detail); err != nil {
		return err
	}
	if _, err := f.NewSheet(summary); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return err
	}
	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: 2})
	if err != nil {
		return err
	}

	if err := writeTable(f, detail, b.Headers, b.Rows, "无分账明细", headerStyle, amountStyle); err != nil {
		return err
	}
	if err := writeTable(f, summary, b.SummaryHeaders, b.Summary, "无汇总数据", headerStyle, amountStyle); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("创建导出文件失败: %w", err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("写入导出文件失败: %w", err)
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, headers []string, rows [][]string, emptyMsg string, headerStyle, amountStyle int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		if err := sw.SetRow("A1", []interface{}{emptyMsg}); err != nil {
			return err
		}
		return sw.Flush()
	}

	amountCols := make([]bool, len(headers))
	header := make([]interface{}, len(headers))
	for i, h := range headers {
		amountCols[i] = strings.Contains(h, "金额")
		header[i] = excelize.Cell{StyleID: headerStyle, Value: h}
	}
	if err := sw.SetRow(cellAxis(1, 1), header); err != nil {
		return err
	}
	for n, r := range rows {
		row := make([]interface{}, len(headers))
		for i := range headers {
			v := ""
			if i < len(r) {
				v = r[i]
			}
			row[i] = cellValue(v, amountCols[i], amountStyle)
		}
		if err := sw.SetRow(cellAxis(n+2, 1), row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func cellValue(v string, amount bool, amountStyle int) interface{} {
	if amount {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return excelize.Cell{StyleID: amountStyle, Value: f}
		}
	}
	return v
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
