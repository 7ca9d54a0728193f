package device

// Merge groups sightings by identity key and keeps the most complete sighting
// of each group. A tie goes to the sighting that carries raw protocol
// metadata. Groups are emitted in the order their first sighting arrived.
func Merge(sightings []Device) []Device {
	order := make([]string, 0, len(sightings))
	best := make(map[string]Device, len(sightings))

	for _, s := range sightings {
		if s.IP == "" {
			continue
		}
		key := s.Key()
		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = s
			continue
		}
		if preferred(s, cur) {
			best[key] = s
		}
	}

	merged := make([]Device, 0, len(order))
	for _, key := range order {
		merged = append(merged, best[key])
	}
	return merged
}

func preferred(candidate, current Device) bool {
	cs, ps := candidate.Completeness(), current.Completeness()
	if cs != ps {
		return cs > ps
	}
	return candidate.Raw != "" && current.Raw == ""
}

// CountByProtocol tallies devices per discovering protocol.
func CountByProtocol(devices []Device) map[string]int {
	counts := make(map[string]int)
	for _, d := range devices {
		counts[d.Protocol]++
	}
	return counts
}
