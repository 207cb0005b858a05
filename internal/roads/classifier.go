// Package roads decides whether an OSM way counts as a trackable public road.
package roads

import (
	"fmt"
	"strings"
)

// Mode selects how strictly access tags are interpreted
type Mode string

const (
	ModeBalanced Mode = "balanced"
	ModeStrict   Mode = "strict"
	ModeLegacy   Mode = "legacy"
)

// TrackPolicy selects how highway=track ways are treated
type TrackPolicy string

const (
	TrackConditional TrackPolicy = "conditional"
	TrackExclude     TrackPolicy = "exclude"
	TrackInclude     TrackPolicy = "include"
)

// Reason codes attached to every decision
const (
	ExcludeNotDriveableHighway = "exclude_not_driveable_highway"
	ExcludeAreaYes             = "exclude_area_yes"
	ExcludeHardRestriction     = "exclude_hard_restriction"
	ExcludeServiceSubtype      = "exclude_service_subtype"
	ExcludeTrackPolicy         = "exclude_track_policy"
	ExcludeTrackUnverified     = "exclude_track_unverified"
	ExcludeAmbiguousStrict     = "exclude_ambiguous_access_strict"
	IncludePublicDrivable      = "include_public_drivable"
	IncludeTrackPublicAccess   = "include_track_public_access"
	IncludeTrackPolicy         = "include_track_policy"
	IncludeAmbiguousAccess     = "include_ambiguous_access"
	IncludeLegacyHighway       = "include_legacy_highway"
)

var (
	driveableHighways = set(
		"motorway", "trunk", "primary", "secondary", "tertiary", "unclassified",
		"residential", "motorway_link", "trunk_link", "primary_link",
		"secondary_link", "tertiary_link", "living_street", "road", "service",
		"track",
	)
	legacyHighways = set(
		"motorway", "trunk", "primary", "secondary", "tertiary", "unclassified",
		"residential", "motorway_link", "trunk_link", "primary_link",
		"secondary_link", "tertiary_link", "living_street", "road", "service",
	)
	accessKeys         = []string{"access", "vehicle", "motor_vehicle", "motorcar"}
	hardRestrictions   = set("private", "no", "restricted", "customers", "delivery", "permit", "agricultural", "forestry", "emergency")
	excludedServices   = set("parking_aisle", "driveway", "alley", "drive_through", "emergency_access")
	publicAccessValues = set("yes", "designated", "official", "public", "permissive")
	ambiguousValues    = set("destination", "permissive")
)

// Decision is the classifier output for one way
type Decision struct {
	Include     bool    `json:"include"`
	ReasonCode  string  `json:"reason_code"`
	Confidence  float64 `json:"confidence"`
	HighwayType string  `json:"highway_type,omitempty"`
	Ambiguous   bool    `json:"ambiguous"`
}

// Classifier holds the per-run policy. It is safe for concurrent use.
type Classifier struct {
	mode  Mode
	track TrackPolicy
}

// NewClassifier validates mode and track policy. Empty values select the
// defaults (balanced, conditional).
func NewClassifier(mode Mode, track TrackPolicy) (*Classifier, error) {
	m, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	p, err := ParseTrackPolicy(string(track))
	if err != nil {
		return nil, err
	}
	return &Classifier{mode: m, track: p}, nil
}

// ParseMode parses a classifier mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBalanced:
		return ModeBalanced, nil
	case ModeStrict:
		return ModeStrict, nil
	case ModeLegacy:
		return ModeLegacy, nil
	}
	return "", fmt.Errorf("unknown public road filter mode %q", s)
}

// ParseTrackPolicy parses a track policy name
func ParseTrackPolicy(s string) (TrackPolicy, error) {
	switch TrackPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", TrackConditional:
		return TrackConditional, nil
	case TrackExclude:
		return TrackExclude, nil
	case TrackInclude:
		return TrackInclude, nil
	}
	return "", fmt.Errorf("unknown track policy %q", s)
}

// Mode returns the configured mode
func (c *Classifier) Mode() Mode { return c.mode }

// TrackPolicy returns the configured track policy
func (c *Classifier) TrackPolicy() TrackPolicy { return c.track }

// Classify decides whether the way described by tags is a public drivable road
func (c *Classifier) Classify(tags Tags) Decision {
	if c.mode == ModeLegacy {
		return classifyLegacy(tags)
	}

	highway := resolveHighway(tags, driveableHighways)
	if highway == "" {
		return Decision{ReasonCode: ExcludeNotDriveableHighway, Confidence: 0.99, HighwayType: tags.First("highway")}
	}
	d := Decision{HighwayType: highway}

	if tags.Has("area", "yes") {
		return d.exclude(ExcludeAreaYes, 0.95)
	}

	for _, k := range accessKeys {
		if tags.HasAny(k, hardRestrictions) {
			return d.exclude(ExcludeHardRestriction, 0.95)
		}
	}

	if tags.HasAny("service", excludedServices) {
		return d.exclude(ExcludeServiceSubtype, 0.9)
	}

	isTrack := highway == "track"
	includeReason := IncludePublicDrivable
	confidence := 0.95
	if isTrack {
		switch c.track {
		case TrackExclude:
			return d.exclude(ExcludeTrackPolicy, 0.9)
		case TrackInclude:
			includeReason, confidence = IncludeTrackPolicy, 0.75
		default:
			if !hasPublicAccess(tags) {
				return d.exclude(ExcludeTrackUnverified, 0.6)
			}
			includeReason, confidence = IncludeTrackPublicAccess, 0.85
		}
	}

	if isAmbiguous(tags) {
		if c.mode == ModeStrict {
			d.Ambiguous = true
			return d.exclude(ExcludeAmbiguousStrict, 0.7)
		}
		d.Ambiguous = true
		d.Include = true
		d.ReasonCode = IncludeAmbiguousAccess
		d.Confidence = 0.7
		if isTrack {
			d.Confidence = 0.55
		}
		return d
	}

	d.Include = true
	d.ReasonCode = includeReason
	d.Confidence = confidence
	return d
}

func classifyLegacy(tags Tags) Decision {
	highway := resolveHighway(tags, legacyHighways)
	if highway == "" {
		return Decision{ReasonCode: ExcludeNotDriveableHighway, Confidence: 0.9, HighwayType: tags.First("highway")}
	}
	return Decision{Include: true, ReasonCode: IncludeLegacyHighway, Confidence: 0.8, HighwayType: highway}
}

func (d Decision) exclude(reason string, confidence float64) Decision {
	d.Include = false
	d.ReasonCode = reason
	d.Confidence = confidence
	return d
}

func resolveHighway(tags Tags, allowed map[string]bool) string {
	for _, v := range tags["highway"] {
		if allowed[v] {
			return v
		}
	}
	return ""
}

func hasPublicAccess(tags Tags) bool {
	for _, k := range accessKeys {
		if tags.HasAny(k, publicAccessValues) {
			return true
		}
	}
	return false
}

func isAmbiguous(tags Tags) bool {
	for _, k := range accessKeys {
		if tags.HasAny(k, ambiguousValues) {
			return true
		}
	}
	return len(tags["access:conditional"]) > 0
}

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}
