package container

// AvailabilityRecord is the contract boundary between protocol adapters
// and the rest of the system. Every adapter emits this shape per
// confirmed container; the orchestrator and the reconciliation engine
// are written against it and never see portal-specific fields.
//
// An empty string (or zero dwell amount) means the portal does not
// expose that attribute, not that the attribute is cleared.
type AvailabilityRecord struct {
	Number      string
	Terminal    string
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

	Origin string
}

// fieldPairs enumerates the tracked string fields of a record against
// the stored container value. Used by both Changed and Apply so the two
// can never drift apart.
func (r AvailabilityRecord) fieldPairs(c *Container) []struct {
	recorded string
	stored   *string
} {
	return []struct {
		recorded string
		stored   *string
	}{
		{r.Terminal, &c.Terminal},
		{r.SubTerminal, &c.SubTerminal},
		{r.Status, &c.Status},
		{r.StatusDesc, &c.StatusDesc},
		{r.ContainerTypeSize, &c.ContainerTypeSize},
		{r.ContainerTypeSizeLabel, &c.ContainerTypeSizeLabel},
		{r.LastFreeDate, &c.LastFreeDate},
		{r.AppointmentDate, &c.AppointmentDate},
		{r.CustomStatus, &c.CustomStatus},
		{r.CustomTimestamp, &c.CustomTimestamp},
		{r.Carrier, &c.Carrier},
		{r.CustomerStatus, &c.CustomerStatus},
		{r.CustomerHoldReason, &c.CustomerHoldReason},
		{r.LineReleaseStatus, &c.LineReleaseStatus},
		{r.LineFirstFree, &c.LineFirstFree},
		{r.DamageFeeOutstanding, &c.DamageFeeOutstanding},
		{r.TerminalHold, &c.TerminalHold},
		{r.TerminalHoldReason, &c.TerminalHoldReason},
		{r.Origin, &c.Origin},
	}
}

// Changed reports whether applying the record to the stored container
// would modify at least one tracked field. Empty record fields are
// "not exposed by this portal" and never count as a change.
func (r AvailabilityRecord) Changed(c Container) bool {
	for _, p := range r.fieldPairs(&c) {
		if p.recorded != "" && p.recorded != *p.stored {
			return true
		}
	}
	if r.DwellAmount != 0 && r.DwellAmount != c.DwellAmount {
		return true
	}
	return false
}

// Apply copies the record's populated fields onto the container and
// returns the result. Unpopulated fields keep their stored values.
func (r AvailabilityRecord) Apply(c Container) Container {
	c.Number = r.Number
	for _, p := range r.fieldPairs(&c) {
		if p.recorded != "" {
			*p.stored = p.recorded
		}
	}
	if r.DwellAmount != 0 {
		c.DwellAmount = r.DwellAmount
	}
	return c
}

// NewContainer builds a fresh container from a record, for the bulk-add
// path where no stored value exists yet.
func (r AvailabilityRecord) NewContainer() Container {
	return r.Apply(Container{Number: r.Number})
}
