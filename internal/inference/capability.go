package inference

// CapabilityKind names an auxiliary tool an ungrounded call may use.
type CapabilityKind string

const (
	VideoAnalysis CapabilityKind = "video_analysis"
	WebSearch     CapabilityKind = "web_search"
	WeatherLookup CapabilityKind = "weather_lookup"
)

// Capability is an auxiliary tool offered to ungrounded generation. The
// generator decides how to expose it; callers only choose the set.
type Capability interface {
	Kind() CapabilityKind
}

// Kinds lists the kinds of caps in order, without duplicates.
func Kinds(caps []Capability) []CapabilityKind {
	seen := make(map[CapabilityKind]bool, len(caps))
	kinds := make([]CapabilityKind, 0, len(caps))
	for _, c := range caps {
		if c == nil || seen[c.Kind()] {
			continue
		}
		seen[c.Kind()] = true
		kinds = append(kinds, c.Kind())
	}
	return kinds
}
