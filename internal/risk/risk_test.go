package risk

import (
	"testing"

	"firewall-audit/internal/model"
)

func vulns(critical, warning, info int) []model.Vulnerability {
	var out []model.Vulnerability
	add := func(n int, sev model.Severity) {
		for i := 0; i < n; i++ {
			out = append(out, model.Vulnerability{Severity: sev})
		}
	}
	add(info, model.Info)
	add(critical, model.Critical)
	add(warning, model.Warning)
	return out
}

func TestScoreWeighsSeverities(t *testing.T) {
	tests := []struct {
		name                    string
		critical, warning, info int
		want                    int
	}{
		{"empty", 0, 0, 0, 0},
		{"two critical", 2, 0, 0, 50},
		{"one warning", 0, 1, 0, 10},
		{"mixed", 1, 2, 3, 51},
		{"capped", 3, 3, 0, 100},
		{"many info", 0, 0, 60, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(vulns(tt.critical, tt.warning, tt.info)); got != tt.want {
				t.Errorf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScoreIsOrderIndependent(t *testing.T) {
	v := vulns(1, 3, 4)
	reversed := make([]model.Vulnerability, len(v))
	for i := range v {
		reversed[len(v)-1-i] = v[i]
	}
	if Score(v) != Score(reversed) {
		t.Fatalf("expected order-independent score, got %d and %d", Score(v), Score(reversed))
	}
}

func TestFromScoreBands(t *testing.T) {
	cases := map[int]Posture{0: Low, 19: Low, 20: Moderate, 49: Moderate, 50: High, 74: High, 75: Critical, 100: Critical}
	for score, want := range cases {
		if got := FromScore(score); got.Posture != want || got.Score != score {
			t.Errorf("FromScore(%d) = %+v, want %s", score, got, want)
		}
	}
}

func TestParsePosture(t *testing.T) {
	p, ok := ParsePosture(" high ")
	if !ok || p != High || p.Rank() != 2 {
		t.Fatalf("unexpected posture %q (%v)", p, ok)
	}
	if _, ok := ParsePosture("severe"); ok {
		t.Fatal("expected unknown posture to be rejected")
	}
}
