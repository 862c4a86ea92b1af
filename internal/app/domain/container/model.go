// Package container defines the persisted container record and the
// normalized availability record produced by terminal protocol adapters.
package container

import "time"

// Container statuses with application-level meaning. Everything else in
// the status field is portal vocabulary stored verbatim.
const (
	// StatusPending marks a container whose last known terminal failed
	// to reconfirm it during the most recent poll.
	StatusPending = "pending"
	// StatusMissing marks a container no terminal has ever confirmed.
	StatusMissing = "missing"
)

// PendingDescription is written alongside StatusPending so operators can
// tell a weakened assignment from a portal-provided status.
const PendingDescription = "confirmation pending: container was not returned by its assigned terminal on the last poll"

// Container is the persisted custody record of a physical container.
// Date-like fields keep the portal's own formatting; portals disagree on
// formats and the values are display/audit data, not computed on.
type Container struct {
	Number      string
	Terminal    string // empty = unassigned
	SubTerminal string

	Status                 string
	StatusDesc             string
	ContainerTypeSize      string
	ContainerTypeSizeLabel string
	LastFreeDate           string
	AppointmentDate        string
	CustomStatus           string
	CustomTimestamp        string
	Carrier                string
	CustomerStatus         string
	CustomerHoldReason     string
	LineReleaseStatus      string
	LineFirstFree          string
	DwellAmount            float64
	DamageFeeOutstanding   string
	TerminalHold           string
	TerminalHoldReason     string

	// Origin preserves the raw portal payload for audit and debugging.
	Origin string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewContainer returns an empty record. Stores stamp CreatedAt and
// UpdatedAt on first write.
func NewContainer() Container {
	return Container{}
}
