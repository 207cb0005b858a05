package roads

// DefaultSampleSize caps the excluded way ids retained per reason code
const DefaultSampleSize = 20

// Audit aggregates classifier decisions for one ingestion run
type Audit struct {
	Mode        Mode               `json:"mode"`
	TrackPolicy TrackPolicy        `json:"track_policy"`
	Included    int                `json:"included"`
	Excluded    int                `json:"excluded"`
	Ambiguous   int                `json:"ambiguous"`
	ByReason    map[string]int     `json:"by_reason"`
	ExcludedIDs map[string][]int64 `json:"excluded_sample"`
	sampleSize  int
}

// NewAudit creates an empty audit for the given classifier
func NewAudit(c *Classifier, sampleSize int) *Audit {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	return &Audit{
		Mode:        c.Mode(),
		TrackPolicy: c.TrackPolicy(),
		ByReason:    make(map[string]int),
		ExcludedIDs: make(map[string][]int64),
		sampleSize:  sampleSize,
	}
}

// Record adds one decision for the way osmID
func (a *Audit) Record(osmID int64, d Decision) {
	a.ByReason[d.ReasonCode]++
	if d.Ambiguous {
		a.Ambiguous++
	}
	if d.Include {
		a.Included++
		return
	}
	a.Excluded++
	if len(a.ExcludedIDs[d.ReasonCode]) < a.sampleSize {
		a.ExcludedIDs[d.ReasonCode] = append(a.ExcludedIDs[d.ReasonCode], osmID)
	}
}

// Total returns the number of recorded decisions
func (a *Audit) Total() int {
	return a.Included + a.Excluded
}
