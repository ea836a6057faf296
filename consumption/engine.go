package consumption

import (
	"evcore/models"
	"evcore/types"
	"math"
	"time"
)

type InactivityLevel string

const (
	LevelInfo    InactivityLevel = "info"
	LevelWarning InactivityLevel = "warning"
	LevelDanger  InactivityLevel = "danger"
)

// Thresholds classify accumulated inactivity, in seconds. Zero values disable
// the corresponding level.
type Thresholds struct {
	Warning int
	Danger  int
}

func (t Thresholds) Classify(inactivity int) InactivityLevel {
	if t.Danger > 0 && inactivity >= t.Danger {
		return LevelDanger
	}
	if t.Warning > 0 && inactivity >= t.Warning {
		return LevelWarning
	}
	return LevelInfo
}

// Totals are the running facts of one transaction: consumed energy in Wh,
// inactivity in seconds, the unrounded accrued price and the last reported
// state of charge.
type Totals struct {
	Consumed   int
	Inactivity int
	Price      float64
	SoC        int
	Level      InactivityLevel
}

// Stop freezes the totals at the stop event. ExtraInactivity is the idle time
// between the last meaningful sample and the stop itself; it is already
// included in Inactivity.
type Stop struct {
	Totals
	ExtraInactivity int
}

// Engine folds the ordered meter samples of a single transaction into
// consumption, inactivity and price facts. It holds no reference to storage;
// the caller persists whatever the fold produces.
type Engine struct {
	pricePerKwh float64
	thresholds  Thresholds
	prevValue   int
	prevTime    time.Time
	totals      Totals
}

func NewEngine(meterStart int, timeStart time.Time, pricePerKwh float64, thresholds Thresholds) *Engine {
	return &Engine{
		pricePerKwh: pricePerKwh,
		thresholds:  thresholds,
		prevValue:   meterStart,
		prevTime:    timeStart,
		totals:      Totals{Level: LevelInfo},
	}
}

// Restore rebuilds the engine for a transaction loaded from storage, resuming
// from its last recorded sample and running totals.
func Restore(transaction *models.Transaction, pricePerKwh float64, thresholds Thresholds) *Engine {
	engine := NewEngine(transaction.MeterStart, transaction.TimeStart, pricePerKwh, thresholds)
	engine.totals = Totals{
		Consumed:   transaction.Consumed,
		Inactivity: transaction.Inactivity,
		Price:      transaction.CurrentPrice,
		SoC:        transaction.CurrentSoC,
		Level:      thresholds.Classify(transaction.Inactivity),
	}
	for i := len(transaction.MeterValues) - 1; i >= 0; i-- {
		meter := &transaction.MeterValues[i]
		if meter.Context == string(types.ReadingContextSampleClock) {
			continue
		}
		if meter.Measurand != string(types.MeasurandEnergyActiveImportRegister) {
			continue
		}
		engine.prevValue = meter.Value
		engine.prevTime = meter.Time
		break
	}
	return engine
}

// Totals returns a copy of the current running totals.
func (e *Engine) Totals() Totals {
	return e.totals
}

// Apply folds one sample into the running totals and fills the sample's
// derived fields. Clock-context readings are recorded but never bound a
// consumption interval, so they do not advance the previous-sample cursor.
func (e *Engine) Apply(meter *models.TransactionMeter) Totals {
	if meter.Context == string(types.ReadingContextSampleClock) {
		meter.ConsumedEnergy = e.totals.Consumed
		meter.Price = e.totals.Price
		return e.totals
	}
	if meter.Measurand == string(types.MeasurandSoC) {
		// last write wins, no interpolation
		e.totals.SoC = meter.Value
		meter.BatteryLevel = meter.Value
		return e.totals
	}

	e.advance(meter.Value, meter.Time)

	meter.ConsumedEnergy = e.totals.Consumed
	meter.Price = e.totals.Price
	meter.BatteryLevel = e.totals.SoC
	return e.totals
}

// Finalize treats the stop event as the terminal sample and freezes the
// totals. A stop meter below the last register reading is clamped, never
// rejected: register glitches must not abort session finalization.
func (e *Engine) Finalize(meterStop int, timeStop time.Time) Stop {
	inactivityBefore := e.totals.Inactivity
	e.advance(meterStop, timeStop)
	return Stop{
		Totals:          e.totals,
		ExtraInactivity: e.totals.Inactivity - inactivityBefore,
	}
}

func (e *Engine) advance(value int, timestamp time.Time) {
	delta := value - e.prevValue
	if delta < 0 {
		// register decreased, device reset or glitch
		delta = 0
	}
	duration := int(timestamp.Sub(e.prevTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	if delta == 0 {
		e.totals.Inactivity += duration
	} else {
		e.totals.Consumed += delta
	}
	// price accrues on the unrounded value; rounding happens at display time
	e.totals.Price = float64(e.totals.Consumed) / 1000 * e.pricePerKwh
	e.totals.Level = e.thresholds.Classify(e.totals.Inactivity)
	e.prevValue = value
	e.prevTime = timestamp
}

// RoundPrice applies the standard two-decimal display rounding.
func RoundPrice(price float64) float64 {
	return math.Round(price*100) / 100
}
