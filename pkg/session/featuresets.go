package session

import (
	"sort"
	"strings"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// ExpandFeatureSets resolves a pattern-keyed feature-set map against the
// delegate's concrete server ids. Keys may be concrete ids or prefix
// wildcards ending in "*". Concrete keys always override wildcard keys
// for the same serverId; among multiple matching wildcards the
// lexicographically first pattern wins, which makes the resolution
// independent of map iteration order.
func ExpandFeatureSets(raw map[string]protocol.FeatureSet, serverIDs []string) map[string]protocol.FeatureSet {
	expanded := make(map[string]protocol.FeatureSet)

	wildcards := wildcardKeys(raw)
	for _, serverID := range serverIDs {
		for _, pattern := range wildcards {
			if strings.HasPrefix(serverID, strings.TrimSuffix(pattern, "*")) {
				expanded[serverID] = raw[pattern]
				break
			}
		}
	}

	// Concrete keys override any wildcard resolution.
	for key, fs := range raw {
		if !strings.HasSuffix(key, "*") {
			expanded[key] = fs
		}
	}
	return expanded
}

func wildcardKeys(raw map[string]protocol.FeatureSet) []string {
	var wildcards []string
	for key := range raw {
		if strings.HasSuffix(key, "*") {
			wildcards = append(wildcards, key)
		}
	}
	sort.Strings(wildcards)
	return wildcards
}
