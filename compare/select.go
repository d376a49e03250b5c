package compare

import "github.com/ineyio/neutralgate"

// SelectProviders validates requested ids against the known providers. Unknown ids
// are dropped and duplicates collapse to their first position. A request that is
// empty, or empty once unknown ids are dropped, selects every known provider.
func SelectProviders(requested []string) []neutralgate.ProviderID {
	if len(requested) == 0 {
		return append([]neutralgate.ProviderID(nil), neutralgate.KnownProviders...)
	}

	seen := make(map[neutralgate.ProviderID]struct{}, len(requested))
	out := make([]neutralgate.ProviderID, 0, len(requested))
	for _, r := range requested {
		id, ok := neutralgate.ParseProviderID(r)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return append([]neutralgate.ProviderID(nil), neutralgate.KnownProviders...)
	}
	return out
}
