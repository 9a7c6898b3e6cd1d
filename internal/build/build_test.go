package build

import (
	"strings"
	"testing"
)

func TestParseFamily(t *testing.T) {
	tests := []struct {
		input   string
		want    Family
		wantErr bool
	}{
		{"LinuxDistro", FamilyLinux, false},
		{"linux", FamilyLinux, false},
		{"LineageOS", FamilyLineage, false},
		{"Gapps", FamilyGapps, false},
		{" mindthegapps ", FamilyGapps, false},
		{"windows", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFamily(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFamily(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFamily(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"21", "21.0", 0},
		{"14", "14.0.0", 0},
		{"20", "21", -1},
		{"22.1", "22", 1},
		{"20240115", "20231201", 1},
		{"noble", "21", -1},
		{"21", "noble", 1},
		{"jammy", "noble", -1},
	}

	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTempKeyStableAndSafe(t *testing.T) {
	job := ArtifactJob{Name: "../boot.img", SourceURL: "https://example.com/boot.img"}

	k1 := job.TempKey()
	k2 := job.TempKey()
	if k1 != k2 {
		t.Fatalf("TempKey not stable: %q vs %q", k1, k2)
	}
	if strings.Contains(k1, "/") || strings.Contains(k1, "..") {
		t.Errorf("TempKey %q contains path separators", k1)
	}

	other := job
	other.SourceURL = "https://example.com/other/boot.img"
	if other.TempKey() == k1 {
		t.Error("different sources must not share a temp key")
	}
}

func TestDownloadSetTotals(t *testing.T) {
	set := DownloadSet{Jobs: []ArtifactJob{
		{Name: "a.zip", ExpectedSize: 10},
		{Name: "b.zip", ExpectedSize: 32},
	}}
	if set.TotalBytes() != 42 {
		t.Errorf("TotalBytes = %d, want 42", set.TotalBytes())
	}
	if got := strings.Join(set.Names(), ","); got != "a.zip,b.zip" {
		t.Errorf("Names = %s", got)
	}
}
