// Package features turns a proposed payment plus the wallet's transfer
// history into a fixed-order numeric feature vector.
//
// The order returned by Names is the contract with the anomaly profile:
// a trained profile records these names and will not load against a
// different order. Append new fields at the end, never reorder.
package features

import (
	"fmt"
	"time"
)

// Transfer is one historical payment made by the wallet.
type Transfer struct {
	Recipient string    `json:"recipient"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Purpose   string    `json:"purpose,omitempty"`
	Status    string    `json:"status,omitempty"` // "completed" (default) or "rejected"
}

// Transfer statuses.
const (
	StatusCompleted = "completed"
	StatusRejected  = "rejected"
)

// Rejected reports whether the transfer was refused.
func (t Transfer) Rejected() bool { return t.Status == StatusRejected }

// Trend classifies the direction of recent amounts.
type Trend string

const (
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendVolatile   Trend = "volatile"
)

// Value encodes a trend for the numeric vector. Volatile encodes as 0,
// like stable; the distinction is kept in Vector.Trend.
func (t Trend) Value() float64 {
	switch t {
	case TrendIncreasing:
		return 1
	case TrendDecreasing:
		return -1
	default:
		return 0
	}
}

// Vector holds every derived feature. Booleans are 0 or 1.
type Vector struct {
	// Time windows over completed transfers.
	TxCount1h   float64 `json:"txCount1h"`
	TxAmount1h  float64 `json:"txAmount1h"`
	AvgAmount1h float64 `json:"avgAmount1h"`

	TxCount24h   float64 `json:"txCount24h"`
	TxAmount24h  float64 `json:"txAmount24h"`
	AvgAmount24h float64 `json:"avgAmount24h"`

	TxCount7d   float64 `json:"txCount7d"`
	TxAmount7d  float64 `json:"txAmount7d"`
	AvgAmount7d float64 `json:"avgAmount7d"`

	TxCount30d   float64 `json:"txCount30d"`
	TxAmount30d  float64 `json:"txAmount30d"`
	AvgAmount30d float64 `json:"avgAmount30d"`

	// Clock.
	IsWeekend           float64 `json:"isWeekend"`
	HourOfDay           float64 `json:"hourOfDay"`
	DayOfWeek           float64 `json:"dayOfWeek"`
	IsNightTime         float64 `json:"isNightTime"`
	IsBusinessHours     float64 `json:"isBusinessHours"`
	HourOfDayNormalized float64 `json:"hourOfDayNormalized"`

	// Behaviour.
	Amount              float64 `json:"amount"`
	RecipientChangeRate float64 `json:"recipientChangeRate"`
	PurposeDiversity    float64 `json:"purposeDiversity"`
	AmountTrend         float64 `json:"amountTrend"`

	// Recipient address.
	AddressTxCount          float64 `json:"addressTxCount"`
	AddressTotalAmount      float64 `json:"addressTotalAmount"`
	AddressAvgAmount        float64 `json:"addressAvgAmount"`
	AddressFirstSeenDays    float64 `json:"addressFirstSeenDays"`
	AddressRiskScore        float64 `json:"addressRiskScore"`
	AddressAssociationCount float64 `json:"addressAssociationCount"`

	// Wallet profile.
	UserTotalTxCount float64 `json:"userTotalTxCount"`
	UserTotalAmount  float64 `json:"userTotalAmount"`
	UserAvgAmount    float64 `json:"userAvgAmount"`
	UserRejectCount  float64 `json:"userRejectCount"`

	// Wallet context.
	WalletBalance float64 `json:"walletBalance"`
	SpentToday    float64 `json:"spentToday"`
	BalanceRatio  float64 `json:"balanceRatio"`

	// Inter-transaction intervals.
	AvgTxIntervalHours float64 `json:"avgTxIntervalHours"`
	MinTxIntervalHours float64 `json:"minTxIntervalHours"`
	MaxTxIntervalHours float64 `json:"maxTxIntervalHours"`
	TxFrequencyPerDay  float64 `json:"txFrequencyPerDay"`

	// Last ten amounts.
	RecentAmountMean             float64 `json:"recentAmountMean"`
	RecentAmountStd              float64 `json:"recentAmountStd"`
	RecentAmountMax              float64 `json:"recentAmountMax"`
	RecentAmountMin              float64 `json:"recentAmountMin"`
	AmountCoefficientOfVariation float64 `json:"amountCoefficientOfVariation"`
	AmountRatioToAvg             float64 `json:"amountRatioToAvg"`

	// Last ten recipients.
	RecentRecipientCount float64 `json:"recentRecipientCount"`
	RecipientRepeatRate  float64 `json:"recipientRepeatRate"`

	// Sequence.
	SameRecipientIn24h        float64 `json:"sameRecipientIn24h"`
	SameRecipientIn7d         float64 `json:"sameRecipientIn7d"`
	ConsecutiveSameRecipient  float64 `json:"consecutiveSameRecipient"`
	AmountChangeRate          float64 `json:"amountChangeRate"`
	HoursSinceLastToRecipient float64 `json:"hoursSinceLastToRecipient"`
	AmountDeviationFromMean   float64 `json:"amountDeviationFromMean"`
	AmountDeviationFromMedian float64 `json:"amountDeviationFromMedian"`

	// Trend is the label behind AmountTrend. Not part of Array.
	Trend Trend `json:"trend"`
}

type field struct {
	name string
	ref  func(*Vector) *float64
}

// fields is the single source of truth for the array order.
var fields = []field{
	{"tx_count_1h", func(v *Vector) *float64 { return &v.TxCount1h }},
	{"tx_amount_1h", func(v *Vector) *float64 { return &v.TxAmount1h }},
	{"avg_amount_1h", func(v *Vector) *float64 { return &v.AvgAmount1h }},
	{"tx_count_24h", func(v *Vector) *float64 { return &v.TxCount24h }},
	{"tx_amount_24h", func(v *Vector) *float64 { return &v.TxAmount24h }},
	{"avg_amount_24h", func(v *Vector) *float64 { return &v.AvgAmount24h }},
	{"tx_count_7d", func(v *Vector) *float64 { return &v.TxCount7d }},
	{"tx_amount_7d", func(v *Vector) *float64 { return &v.TxAmount7d }},
	{"avg_amount_7d", func(v *Vector) *float64 { return &v.AvgAmount7d }},
	{"tx_count_30d", func(v *Vector) *float64 { return &v.TxCount30d }},
	{"tx_amount_30d", func(v *Vector) *float64 { return &v.TxAmount30d }},
	{"avg_amount_30d", func(v *Vector) *float64 { return &v.AvgAmount30d }},
	{"is_weekend", func(v *Vector) *float64 { return &v.IsWeekend }},
	{"hour_of_day", func(v *Vector) *float64 { return &v.HourOfDay }},
	{"day_of_week", func(v *Vector) *float64 { return &v.DayOfWeek }},
	{"is_night_time", func(v *Vector) *float64 { return &v.IsNightTime }},
	{"is_business_hours", func(v *Vector) *float64 { return &v.IsBusinessHours }},
	{"hour_of_day_normalized", func(v *Vector) *float64 { return &v.HourOfDayNormalized }},
	{"amount", func(v *Vector) *float64 { return &v.Amount }},
	{"recipient_change_rate", func(v *Vector) *float64 { return &v.RecipientChangeRate }},
	{"purpose_diversity", func(v *Vector) *float64 { return &v.PurposeDiversity }},
	{"amount_trend", func(v *Vector) *float64 { return &v.AmountTrend }},
	{"address_tx_count", func(v *Vector) *float64 { return &v.AddressTxCount }},
	{"address_total_amount", func(v *Vector) *float64 { return &v.AddressTotalAmount }},
	{"address_avg_amount", func(v *Vector) *float64 { return &v.AddressAvgAmount }},
	{"address_first_seen_days", func(v *Vector) *float64 { return &v.AddressFirstSeenDays }},
	{"address_risk_score", func(v *Vector) *float64 { return &v.AddressRiskScore }},
	{"address_association_count", func(v *Vector) *float64 { return &v.AddressAssociationCount }},
	{"user_total_tx_count", func(v *Vector) *float64 { return &v.UserTotalTxCount }},
	{"user_total_amount", func(v *Vector) *float64 { return &v.UserTotalAmount }},
	{"user_avg_amount", func(v *Vector) *float64 { return &v.UserAvgAmount }},
	{"user_reject_count", func(v *Vector) *float64 { return &v.UserRejectCount }},
	{"wallet_balance", func(v *Vector) *float64 { return &v.WalletBalance }},
	{"spent_today", func(v *Vector) *float64 { return &v.SpentToday }},
	{"balance_ratio", func(v *Vector) *float64 { return &v.BalanceRatio }},
	{"avg_tx_interval_hours", func(v *Vector) *float64 { return &v.AvgTxIntervalHours }},
	{"min_tx_interval_hours", func(v *Vector) *float64 { return &v.MinTxIntervalHours }},
	{"max_tx_interval_hours", func(v *Vector) *float64 { return &v.MaxTxIntervalHours }},
	{"tx_frequency_per_day", func(v *Vector) *float64 { return &v.TxFrequencyPerDay }},
	{"recent_amount_mean", func(v *Vector) *float64 { return &v.RecentAmountMean }},
	{"recent_amount_std", func(v *Vector) *float64 { return &v.RecentAmountStd }},
	{"recent_amount_max", func(v *Vector) *float64 { return &v.RecentAmountMax }},
	{"recent_amount_min", func(v *Vector) *float64 { return &v.RecentAmountMin }},
	{"amount_coefficient_of_variation", func(v *Vector) *float64 { return &v.AmountCoefficientOfVariation }},
	{"amount_ratio_to_avg", func(v *Vector) *float64 { return &v.AmountRatioToAvg }},
	{"recent_recipient_count", func(v *Vector) *float64 { return &v.RecentRecipientCount }},
	{"recipient_repeat_rate", func(v *Vector) *float64 { return &v.RecipientRepeatRate }},
	{"same_recipient_in_24h", func(v *Vector) *float64 { return &v.SameRecipientIn24h }},
	{"same_recipient_in_7d", func(v *Vector) *float64 { return &v.SameRecipientIn7d }},
	{"consecutive_same_recipient", func(v *Vector) *float64 { return &v.ConsecutiveSameRecipient }},
	{"amount_change_rate", func(v *Vector) *float64 { return &v.AmountChangeRate }},
	{"hours_since_last_to_recipient", func(v *Vector) *float64 { return &v.HoursSinceLastToRecipient }},
	{"amount_deviation_from_mean", func(v *Vector) *float64 { return &v.AmountDeviationFromMean }},
	{"amount_deviation_from_median", func(v *Vector) *float64 { return &v.AmountDeviationFromMedian }},
}

// Len is the number of entries in Array.
func Len() int { return len(fields) }

// Names returns the feature names in array order.
func Names() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

// Array returns the features in the order given by Names.
func (v Vector) Array() []float64 {
	out := make([]float64, len(fields))
	for i, f := range fields {
		out[i] = *f.ref(&v)
	}
	return out
}

// Get returns a feature by name.
func (v Vector) Get(name string) (float64, bool) {
	for _, f := range fields {
		if f.name == name {
			return *f.ref(&v), true
		}
	}
	return 0, false
}

// FromArray is the inverse of Array.
func FromArray(values []float64) (Vector, error) {
	if len(values) != len(fields) {
		return Vector{}, fmt.Errorf("features: expected %d values, got %d", len(fields), len(values))
	}
	var v Vector
	for i, f := range fields {
		*f.ref(&v) = values[i]
	}
	v.Trend = trendFromValue(v.AmountTrend)
	return v, nil
}

func trendFromValue(x float64) Trend {
	switch {
	case x > 0:
		return TrendIncreasing
	case x < 0:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Documented values used when no history exists.
const (
	DefaultRecipientChangeRate = 1.0 // every recipient is new
	DefaultAddressRiskScore    = 50  // neutral prior
	DefaultPurposeDiversity    = 1
	NeverSentHours             = -1 // HoursSinceLastToRecipient with no prior transfer
)

// DefaultVector returns the vector for a payment with no history. Clock
// and wallet context fields are still derived from their inputs.
func DefaultVector(in Input, fctx Context) Vector {
	v := Vector{
		Amount:                    in.Amount,
		RecipientChangeRate:       DefaultRecipientChangeRate,
		PurposeDiversity:          DefaultPurposeDiversity,
		AmountTrend:               TrendStable.Value(),
		Trend:                     TrendStable,
		AddressRiskScore:          DefaultAddressRiskScore,
		HoursSinceLastToRecipient: NeverSentHours,
	}
	applyClock(&v, fctx.now())
	applyWallet(&v, in, fctx)
	return v
}

func applyClock(v *Vector, now time.Time) {
	now = now.UTC()
	hour := now.Hour()
	wd := now.Weekday()
	v.HourOfDay = float64(hour)
	v.DayOfWeek = float64(wd)
	v.HourOfDayNormalized = float64(hour) / 23
	weekend := wd == time.Saturday || wd == time.Sunday
	v.IsWeekend = b2f(weekend)
	v.IsNightTime = b2f(hour >= 22 || hour < 6)
	v.IsBusinessHours = b2f(!weekend && hour >= 9 && hour < 18)
}

func applyWallet(v *Vector, in Input, fctx Context) {
	v.WalletBalance = fctx.WalletBalance
	v.SpentToday = fctx.SpentToday
	if fctx.WalletBalance > 0 {
		v.BalanceRatio = in.Amount / fctx.WalletBalance
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
