package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/zonekeeper/internal/registry"
)

func preregistered(t *testing.T, ip string, info map[string]any) *registry.Entry {
	t.Helper()
	e := registry.NewEntry(ip, "client-"+ip)
	require.NoError(t, e.NodePreregistration(info))
	return e
}

// TestDetectorRules applies the rules in order
func TestDetectorRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []string
		ip    string
		info  map[string]any
		want  string
	}{
		{
			name:  "first matching key wins",
			rules: []string{"zone", "region"},
			ip:    "10.0.0.1",
			info:  map[string]any{"region": "eu-west", "zone": "eu-west-1a"},
			want:  "eu-west-1a",
		},
		{
			name:  "blank values are skipped",
			rules: []string{"zone", "region"},
			ip:    "10.0.0.1",
			info:  map[string]any{"zone": "  ", "region": "eu-west"},
			want:  "eu-west",
		},
		{
			name:  "subnet",
			rules: []string{RuleSubnet},
			ip:    "192.168.7.42",
			want:  "192.168.7.0/24",
		},
		{
			name:  "domain from original address",
			rules: []string{RuleDomain},
			ip:    "10.0.0.1",
			info:  map[string]any{"original-address": "db1.dc2.example.com"},
			want:  "dc2.example.com",
		},
		{
			name:  "domain of an ip literal falls back to defaults",
			rules: []string{RuleDomain},
			ip:    "10.0.0.1",
			info:  map[string]any{"original-address": "10.0.0.1"},
			want:  "DEFAULT_CLUSTER",
		},
		{
			name:  "nothing matches",
			rules: []string{"zone"},
			ip:    "10.0.0.1",
			want:  "DEFAULT_CLUSTER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDetector(DetectorConfig{Rules: tt.rules})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.ZoneIDFor(preregistered(t, tt.ip, tt.info)))
		})
	}
}

// TestDetectorRandomRule gives each unplaced node its own zone
func TestDetectorRandomRule(t *testing.T) {
	d, err := NewDetector(DetectorConfig{Rules: []string{RuleRandom}})
	require.NoError(t, err)

	a := preregistered(t, "10.0.0.1", nil)
	b := preregistered(t, "10.0.0.2", nil)
	idA := d.ZoneIDFor(a)
	assert.NotEqual(t, idA, d.ZoneIDFor(b))

	// an entry already placed in a zone keeps it
	a.SetZoneID(idA)
	assert.Equal(t, idA, d.ZoneIDFor(a))
}

// TestDetectorDefaultRules falls back to the built-in rules
func TestDetectorDefaultRules(t *testing.T) {
	d, err := NewDetector(DetectorConfig{})
	require.NoError(t, err)

	e := preregistered(t, "10.0.0.1", map[string]any{"cloud": "aws", "provider": "acme"})
	assert.Equal(t, "aws", d.ZoneIDFor(e))

	// @random closes the default list, so unmatched nodes never share a zone
	x := d.ZoneIDFor(preregistered(t, "10.0.0.2", nil))
	y := d.ZoneIDFor(preregistered(t, "10.0.0.3", nil))
	assert.NotEqual(t, x, y)
	assert.NotEqual(t, "DEFAULT_CLUSTER", x)
}

// TestDetectorSequentialAssignment cycles through the default clusters
func TestDetectorSequentialAssignment(t *testing.T) {
	d, err := NewDetector(DetectorConfig{
		Rules:           []string{"zone"},
		DefaultClusters: []string{"a", "b", " ", "c"},
		Assignment:      "sequential",
	})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, d.ZoneIDFor(registry.NewEntry("10.0.0.1", "c")))
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

// TestDetectorRandomAssignment picks among the default clusters
func TestDetectorRandomAssignment(t *testing.T) {
	clusters := []string{"a", "b"}
	d, err := NewDetector(DetectorConfig{Rules: []string{"zone"}, DefaultClusters: clusters})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.Contains(t, clusters, d.ZoneIDFor(registry.NewEntry("10.0.0.1", "c")))
	}
}

// TestDetectorUnknownAssignment rejects unknown assignment modes
func TestDetectorUnknownAssignment(t *testing.T) {
	_, err := NewDetector(DetectorConfig{Assignment: "ROUND_ROBIN"})
	assert.ErrorContains(t, err, "ROUND_ROBIN")
}
