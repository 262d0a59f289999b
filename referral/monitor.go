/*
monitor.go - Suspicious-referrer reporting

PURPOSE:
  Read-only pattern detection over referral fingerprints for the admin
  dashboard. A legitimate referrer's referees arrive on many devices
  and phones; a farm reuses a handful. Low uniqueness ratios are the
  signal.

RULES:
  - Only referrers with more than MinReferrals referrals are scored.
  - deviceRatio = uniqueDevices / totalReferrals
  - phoneRatio  = uniquePhones  / totalReferrals
  - Suspicious if either ratio < SuspicionThreshold (0.80).
  - RiskScore blends the repetition of both ratios into 0-100; the
    weighting is a policy knob, not an invariant.

This never mutates state - flagged referrers are reviewed by a human.
*/
package referral

import (
	"context"
	"math"
	"sort"

	"github.com/blkpages/loyalty-engine/loyalty"
)

// SuspicionThreshold is the uniqueness ratio below which a referrer is
// flagged.
const SuspicionThreshold = 0.80

// DefaultMinReferrals is the minimum referral count before scoring.
const DefaultMinReferrals = 5

// RiskWeights controls how device and phone repetition combine into the
// risk score. Weights are normalized, so only their ratio matters.
type RiskWeights struct {
	Device float64
	Phone  float64
}

// DefaultRiskWeights weighs device and phone repetition equally.
var DefaultRiskWeights = RiskWeights{Device: 0.5, Phone: 0.5}

// Monitor produces the suspicious-referrer report.
type Monitor struct {
	referrals    Store
	weights      RiskWeights
	minReferrals int
}

func NewMonitor(referrals Store) *Monitor {
	return &Monitor{referrals: referrals, weights: DefaultRiskWeights, minReferrals: DefaultMinReferrals}
}

// WithWeights overrides the risk weighting.
func (m *Monitor) WithWeights(w RiskWeights) *Monitor {
	m.weights = w
	return m
}

// WithMinReferrals overrides the scoring threshold.
func (m *Monitor) WithMinReferrals(n int) *Monitor {
	m.minReferrals = n
	return m
}

// ReferrerReport is one row of the admin monitoring surface.
type ReferrerReport struct {
	ReferrerID    loyalty.UserID
	TotalRefs     int
	UniqueDevices int
	UniquePhones  int
	DeviceRatio   float64
	PhoneRatio    float64
	RiskScore     int // 0-100, higher repetition -> higher score
	Suspicious    bool
	Referrals     []Record
}

// SuspiciousReferrers scores every referrer above the referral-count
// threshold and returns the flagged ones, highest risk first.
func (m *Monitor) SuspiciousReferrers(ctx context.Context) ([]ReferrerReport, error) {
	referrers, err := m.referrals.ListReferrers(ctx, m.minReferrals+1)
	if err != nil {
		return nil, err
	}

	var reports []ReferrerReport
	for _, id := range referrers {
		report, err := m.Score(ctx, id)
		if err != nil {
			return nil, err
		}
		if report.Suspicious {
			reports = append(reports, *report)
		}
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].RiskScore > reports[j].RiskScore })
	return reports, nil
}

// Score computes the report for a single referrer.
func (m *Monitor) Score(ctx context.Context, referrerID loyalty.UserID) (*ReferrerReport, error) {
	recs, err := m.referrals.ListByReferrer(ctx, referrerID)
	if err != nil {
		return nil, err
	}

	devices := make(map[string]struct{})
	phones := make(map[string]struct{})
	scored := 0
	for _, r := range recs {
		// Clicked records carry no fingerprints yet.
		if r.Status == StatusClicked {
			continue
		}
		scored++
		if r.DeviceFingerprint != "" {
			devices[r.DeviceFingerprint] = struct{}{}
		}
		if r.PhoneHash != "" {
			phones[r.PhoneHash] = struct{}{}
		}
	}

	report := &ReferrerReport{
		ReferrerID:    referrerID,
		TotalRefs:     scored,
		UniqueDevices: len(devices),
		UniquePhones:  len(phones),
		Referrals:     recs,
	}
	if scored == 0 {
		report.DeviceRatio, report.PhoneRatio = 1, 1
		return report, nil
	}

	report.DeviceRatio = float64(len(devices)) / float64(scored)
	report.PhoneRatio = float64(len(phones)) / float64(scored)
	report.RiskScore = m.riskScore(report.DeviceRatio, report.PhoneRatio)
	report.Suspicious = scored > m.minReferrals &&
		(report.DeviceRatio < SuspicionThreshold || report.PhoneRatio < SuspicionThreshold)
	return report, nil
}

func (m *Monitor) riskScore(deviceRatio, phoneRatio float64) int {
	total := m.weights.Device + m.weights.Phone
	if total <= 0 {
		return 0
	}
	score := 100 * (m.weights.Device*(1-deviceRatio) + m.weights.Phone*(1-phoneRatio)) / total
	return int(math.Min(100, math.Max(0, math.Round(score))))
}
