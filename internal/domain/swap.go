package domain

import (
	"fmt"
	"time"
)

type SwapState int

const (
	StateIdle SwapState = iota
	StateDownloading
	StateExtracting
	StateStagingCreated
	StateRestoring
	StateValidated
	StateEvicting
	StateSwapping
	StateRetiring
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"Idle",
	"Downloading",
	"Extracting",
	"StagingCreated",
	"Restoring",
	"Validated",
	"Evicting",
	"Swapping",
	"Retiring",
	"Done",
	"Failed",
}

func (s SwapState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("SwapState(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s SwapState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// SafeToRetry reports whether a failure after s can be retried from scratch.
// Anything before the eviction step has not touched the active database.
func (s SwapState) SafeToRetry() bool {
	return s < StateEvicting
}

// SwapPlan is the working state of one restore-and-swap against ActiveName.
type SwapPlan struct {
	ActiveName      string
	StagingName     string
	DestinationName string
	// PreviousRetainedName is empty unless the old active is kept as a rollback point.
	PreviousRetainedName string
}

// NewSwapPlan builds the plan for active. A non-empty destination different
// from active promotes the restored data under that name and leaves active alone.
func NewSwapPlan(active, destination string, keepPrevious bool) SwapPlan {
	plan := SwapPlan{
		ActiveName:      active,
		StagingName:     StagingName(active),
		DestinationName: active,
	}
	if destination != "" && destination != active {
		plan.DestinationName = destination
		return plan
	}
	if keepPrevious {
		plan.PreviousRetainedName = RetainedName(active)
	}
	return plan
}

// Alternate reports whether the restored data goes to a new name.
func (p SwapPlan) Alternate() bool {
	return p.DestinationName != p.ActiveName
}

// ParkingName is where the current active database is moved during an
// in-place swap. When retention is off it is dropped after the swap.
func (p SwapPlan) ParkingName() string {
	if p.Alternate() {
		return ""
	}
	if p.PreviousRetainedName != "" {
		return p.PreviousRetainedName
	}
	return RetainedName(p.ActiveName)
}

// Renames lists the rename sequence. activeExists is false on a first restore
// into an empty engine, where there is nothing to move aside.
func (p SwapPlan) Renames(activeExists bool) []Rename {
	if p.Alternate() {
		return []Rename{{From: p.StagingName, To: p.DestinationName}}
	}
	if !activeExists {
		return []Rename{{From: p.StagingName, To: p.ActiveName}}
	}
	return []Rename{
		{From: p.ActiveName, To: p.ParkingName()},
		{From: p.StagingName, To: p.ActiveName},
	}
}

// EvictionTargets are the databases whose sessions must be gone before renaming.
func (p SwapPlan) EvictionTargets(activeExists bool) []string {
	targets := []string{p.StagingName}
	if !p.Alternate() && activeExists {
		targets = append(targets, p.ActiveName)
	}
	return targets
}

// SwapStep records how far a two-step rename got.
type SwapStep string

const (
	StepPending  SwapStep = "pending"  // no rename applied yet
	StepParked   SwapStep = "parked"   // active moved to the parking name
	StepPromoted SwapStep = "promoted" // staging renamed into place
)

// SwapMarker is the durable record written around the rename sequence.
type SwapMarker struct {
	RunID       string    `yaml:"run_id"`
	Artifact    string    `yaml:"artifact"`
	ActiveName  string    `yaml:"active"`
	StagingName string    `yaml:"staging"`
	ParkingName string    `yaml:"parking"`
	Step        SwapStep  `yaml:"step"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// Journal persists SwapMarkers keyed by active name.
type Journal interface {
	Save(marker SwapMarker) error
	// Load returns nil and no error when nothing is recorded.
	Load(active string) (*SwapMarker, error)
	Clear(active string) error
}
