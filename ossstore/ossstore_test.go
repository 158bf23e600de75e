package ossstore

import (
	"strings"
	"testing"
	"time"

	"profitshare/domain"
)

func TestObjectKeyForBill(t *testing.T) {
	task := &domain.ProfitShareBillTask{
		ID:       "3f1c",
		SubMchID: "1900000109",
		BillDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	got := ObjectKeyForBill("/bills/", task, "profitsharing.csv")
	if got != "bills/1900000109/20240501/3f1c/profitsharing.csv" {
		t.Fatalf("key=%s", got)
	}

	task.SubMchID = ""
	got = ObjectKeyForBill("bills", task, `..\..\evil.xlsx`)
	if got != "bills/all/20240501/3f1c/evil.xlsx" {
		t.Fatalf("key=%s", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatal("empty config enabled")
	}
	st, err := New(Config{})
	if err != nil || st != nil {
		t.Fatalf("disabled New = %v, %v", st, err)
	}
	if st.Enabled() {
		t.Fatal("nil store enabled")
	}

	if _, err := (Config{Bucket: "b"}).withDefaults(); err == nil {
		t.Fatal("missing endpoints accepted")
	}
	c, err := (Config{Bucket: "b", InternalEndpoint: "oss-cn-heyuan-internal.aliyuncs.com"}).withDefaults()
	if err != nil {
		t.Fatal(err)
	}
	if c.PublicEndpoint != c.InternalEndpoint || c.Prefix != defaultPrefix || c.SignExpiry != defaultSignExpiry || c.Region != "cn-heyuan" {
		t.Fatalf("defaults=%+v", c)
	}
}

func TestContentDisposition(t *testing.T) {
	got := contentDisposition("bill.xlsx", "分账账单.xlsx")
	if !strings.HasPrefix(got, `attachment; filename="bill.xlsx"; filename*=UTF-8''`) || strings.Contains(got, "分") {
		t.Fatalf("disposition=%s", got)
	}
	if got := contentDisposition("bill.xlsx", ""); !strings.HasSuffix(got, "''bill.xlsx") {
		t.Fatalf("disposition=%s", got)
	}
}
