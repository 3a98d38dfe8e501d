package reputation

import (
	"testing"

	"oracle-market/internal/storage"
)

func TestCalculateOnlyActiveClaims(t *testing.T) {
	claims := Index([]storage.Claim{
		{ID: "c1", Category: "crypto", Status: storage.StatusActive},
		{ID: "c2", Category: "sports", Status: storage.StatusActive},
	})
	positions := []storage.Position{
		{ClaimID: "c1", Side: storage.SideYes},
		{ClaimID: "c2", Side: storage.SideNo},
	}

	report := Calculate(positions, claims)
	if report.Accuracy != nil {
		t.Fatalf("无已结算仓位时总准确率应为空, 实际 %v", *report.Accuracy)
	}
	if len(report.Categories) != 2 {
		t.Fatalf("应包含两个分类, 实际 %+v", report.Categories)
	}
	for name, stats := range report.Categories {
		if stats.Accuracy != 0 || stats.Total != 0 {
			t.Fatalf("分类 %s 应为 0 准确率: %+v", name, stats)
		}
	}
}

func TestCalculateMixed(t *testing.T) {
	claims := Index([]storage.Claim{
		{ID: "c1", Category: "crypto", Status: storage.StatusResolvedYes},
		{ID: "c2", Category: "crypto", Status: storage.StatusResolvedNo},
		{ID: "c3", Category: "macro", Status: storage.StatusResolvedNo},
		{ID: "c4", Category: "macro", Status: storage.StatusActive},
	})
	positions := []storage.Position{
		{ClaimID: "c1", Side: storage.SideYes},
		{ClaimID: "c2", Side: storage.SideYes},
		{ClaimID: "c3", Side: storage.SideNo},
		{ClaimID: "c4", Side: storage.SideYes},
		{ClaimID: "missing", Side: storage.SideYes},
	}

	report := Calculate(positions, claims)
	if report.Accuracy == nil || *report.Accuracy != 66.7 {
		t.Fatalf("总准确率应为 66.7, 实际 %v", report.Accuracy)
	}
	if report.TotalResolved != 3 || report.Correct != 2 {
		t.Fatalf("计数错误: %+v", report)
	}
	crypto := report.Categories["crypto"]
	if crypto.Correct != 1 || crypto.Total != 2 || crypto.Accuracy != 50 {
		t.Fatalf("crypto 分类错误: %+v", crypto)
	}
	macro := report.Categories["macro"]
	if macro.Correct != 1 || macro.Total != 1 || macro.Accuracy != 100 {
		t.Fatalf("macro 分类错误: %+v", macro)
	}
	if names := report.CategoryNames(); len(names) != 2 || names[0] != "crypto" {
		t.Fatalf("分类排序错误: %v", names)
	}
}

func TestCalculateNoPositions(t *testing.T) {
	report := Calculate(nil, nil)
	if report.Accuracy != nil || len(report.Categories) != 0 {
		t.Fatalf("空输入应返回空报告: %+v", report)
	}
}
