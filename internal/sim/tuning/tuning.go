package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickIntervalMs  int     `yaml:"tick_interval_ms"`
	SimulationSpeed float64 `yaml:"simulation_speed"`

	GridWidth        int     `yaml:"grid_width"`
	GridHeight       int     `yaml:"grid_height"`
	WaterChance      float64 `yaml:"water_chance"`
	StartingTreasury float64 `yaml:"starting_treasury"`

	Economy Economy `yaml:"economy"`
	Trade   Trade   `yaml:"trade"`
	Client  Client  `yaml:"client"`
}

type Economy struct {
	BaseHappiness          float64 `yaml:"base_happiness"`
	UnemploymentPenaltyMax float64 `yaml:"unemployment_penalty_max"`
	DeficitPenalty         float64 `yaml:"deficit_penalty"`
	IncomePerResident      float64 `yaml:"income_per_resident"`
	ExpensePerResident     float64 `yaml:"expense_per_resident"`
	GrowthRate             float64 `yaml:"growth_rate"`
}

type Trade struct {
	ExpiryHours int `yaml:"expiry_hours"`
}

type Client struct {
	// Pending actions with no server response past this deadline are rolled
	// back locally and surfaced as transient failures.
	WatchdogTimeoutMs int `yaml:"watchdog_timeout_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:  "1.0",
		TickIntervalMs:   1000,
		SimulationSpeed:  1.0,
		GridWidth:        20,
		GridHeight:       20,
		WaterChance:      0.05,
		StartingTreasury: 10000,
		Economy: Economy{
			BaseHappiness:          50,
			UnemploymentPenaltyMax: 30,
			DeficitPenalty:         20,
			IncomePerResident:      10,
			ExpensePerResident:     5,
			GrowthRate:             0.1,
		},
		Trade:  Trade{ExpiryHours: 24},
		Client: Client{WatchdogTimeoutMs: 5000},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if t.TickIntervalMs <= 0 {
		return t, fmt.Errorf("tuning.yaml: tick_interval_ms must be positive")
	}
	if t.SimulationSpeed <= 0 {
		return t, fmt.Errorf("tuning.yaml: simulation_speed must be positive")
	}
	return t, nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

func (t Tuning) TradeExpiry() time.Duration {
	return time.Duration(t.Trade.ExpiryHours) * time.Hour
}

func (t Tuning) WatchdogTimeout() time.Duration {
	return time.Duration(t.Client.WatchdogTimeoutMs) * time.Millisecond
}
