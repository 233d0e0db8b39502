package risk

import (
	"strings"

	"firewall-audit/internal/model"
)

const (
	CriticalWeight = 25
	WarningWeight  = 10
	InfoWeight     = 2
	MaxScore       = 100
)

// Score weighs findings by severity and caps the total at MaxScore. It
// depends only on the severity counts, never on order.
func Score(vulns []model.Vulnerability) int {
	total := 0
	for _, v := range vulns {
		switch v.Severity {
		case model.Critical:
			total += CriticalWeight
		case model.Warning:
			total += WarningWeight
		case model.Info:
			total += InfoWeight
		}
		if total >= MaxScore {
			return MaxScore
		}
	}
	return total
}

type Posture string

const (
	Low      Posture = "LOW"
	Moderate Posture = "MODERATE"
	High     Posture = "HIGH"
	Critical Posture = "CRITICAL"
)

type Rating struct {
	Score   int     `json:"score"`
	Posture Posture `json:"posture"`
}

// FromScore bands a risk score; higher scores are worse.
func FromScore(score int) Rating {
	p := Low
	switch {
	case score >= 75:
		p = Critical
	case score >= 50:
		p = High
	case score >= 20:
		p = Moderate
	}
	return Rating{Score: score, Posture: p}
}

// ParsePosture accepts a posture name in any case.
func ParsePosture(s string) (Posture, bool) {
	switch Posture(strings.ToUpper(strings.TrimSpace(s))) {
	case Low:
		return Low, true
	case Moderate:
		return Moderate, true
	case High:
		return High, true
	case Critical:
		return Critical, true
	}
	return "", false
}

// Rank orders postures from LOW (0) to CRITICAL (3).
func (p Posture) Rank() int {
	switch p {
	case Moderate:
		return 1
	case High:
		return 2
	case Critical:
		return 3
	default:
		return 0
	}
}
