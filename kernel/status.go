package kernel

import (
	"time"

	"gridbot/grid"
	"gridbot/ledger"
	"gridbot/risk"
	"gridbot/trader/types"

	"github.com/shopspring/decimal"
)

// RunState lifecycle of a run
type RunState string

const (
	StateInitializing RunState = "initializing"
	StateRunning      RunState = "running"
	StateUnwinding    RunState = "unwinding"
	StateTerminated   RunState = "terminated"
)

// Status copy of the engine state published after every event, safe to read
// from other goroutines
type Status struct {
	RunID         string          `json:"run_id"`
	Symbol        string          `json:"symbol"`
	Mode          string          `json:"mode"`
	State         RunState        `json:"state"`
	Risk          risk.State      `json:"risk"`
	Reason        string          `json:"reason,omitempty"`
	LastPrice     decimal.Decimal `json:"last_price"`
	LastEvent     time.Time       `json:"last_event"`
	Events        int64           `json:"events"`
	Balance       ledger.Balance  `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	InitialEquity decimal.Decimal `json:"initial_equity"`
	Stats         ledger.Stats    `json:"stats"`
	Levels        []grid.Level    `json:"levels,omitempty"`
	Armed         int             `json:"armed"`
	Working       int             `json:"working"`
	Degraded      int             `json:"degraded"`
}

// Result final state of a run
type Result struct {
	RunID         string                  `json:"run_id"`
	State         RunState                `json:"state"`
	Risk          risk.State              `json:"risk"`
	Reason        string                  `json:"reason,omitempty"`
	Ladder        *grid.Ladder            `json:"ladder,omitempty"`
	Orders        []ledger.Order          `json:"orders"`
	Fills         []types.FillEvent       `json:"fills"`
	Snapshots     []ledger.EquitySnapshot `json:"snapshots"`
	Initial       types.Balance           `json:"initial"`
	Balance       ledger.Balance          `json:"balance"`
	InitialEquity decimal.Decimal         `json:"initial_equity"`
	Stats         ledger.Stats            `json:"stats"`
}
