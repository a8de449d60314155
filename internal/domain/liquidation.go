package domain

import "time"

// LiquidationMeasurement is the time-series measurement liquidation records are written under.
const LiquidationMeasurement = "liquidations"

// LiquidationRecord represents one observed liquidation transaction.
// Corresponds to the liquidations table in ClickHouse/PostgreSQL.
type LiquidationRecord struct {
	TimeNanos uint64 // observation time, Unix nanoseconds (not block time)
	Signer    string // first static account key (fee payer), base58
	Signature string // transaction signature, base58
}

// NewLiquidationRecord builds a record observed at the given time.
func NewLiquidationRecord(observedAt time.Time, signer, signature string) *LiquidationRecord {
	return &LiquidationRecord{
		TimeNanos: uint64(observedAt.UnixNano()),
		Signer:    signer,
		Signature: signature,
	}
}

// Time returns the observation time as time.Time in UTC.
func (r *LiquidationRecord) Time() time.Time {
	return time.Unix(0, int64(r.TimeNanos)).UTC()
}

// Measurement returns the measurement name of the record.
func (r *LiquidationRecord) Measurement() string {
	return LiquidationMeasurement
}

// Tags returns the indexed dimensions of the record.
func (r *LiquidationRecord) Tags() map[string]string {
	return map[string]string{"signer": r.Signer}
}

// Fields returns the non-indexed values of the record.
func (r *LiquidationRecord) Fields() map[string]string {
	return map[string]string{"signature": r.Signature}
}

// Valid reports whether all fields are populated.
func (r *LiquidationRecord) Valid() bool {
	return r != nil && r.TimeNanos > 0 && r.Signer != "" && r.Signature != ""
}
