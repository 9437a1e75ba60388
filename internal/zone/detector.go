package zone

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/zonekeeper/internal/registry"
)

// Special detection rules. Any other rule is a pre-registration info key.
const (
	// RuleDomain yields the domain of the node's hostname.
	RuleDomain = "@domain"
	// RuleSubnet yields the /24 network of an IPv4 node address.
	RuleSubnet = "@subnet"
	// RuleRandom yields a fresh random id, so the node gets a zone of its own.
	RuleRandom = "@random"
)

// Assignment selects how nodes are spread over the default clusters.
type Assignment string

const (
	AssignRandom     Assignment = "RANDOM"
	AssignSequential Assignment = "SEQUENTIAL"
)

// DefaultRules are used when no rules are configured.
var DefaultRules = []string{
	"zone", "zone-id",
	"region", "region-id",
	"cloud", "cloud-id",
	"provider", "provider-id",
	RuleRandom,
}

// DefaultClusters is used when no default clusters are configured.
var DefaultClusters = []string{"DEFAULT_CLUSTER"}

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	Rules           []string
	DefaultClusters []string
	Assignment      Assignment
}

// Detector derives the zone id of a node from its pre-registration info.
//
// Rules are tried in order and the first non-blank result is the zone id.
// When every rule yields nothing, one of the default clusters is chosen,
// either at random or round-robin.
type Detector struct {
	rules      []string
	defaults   []string
	assignment Assignment

	mu   sync.Mutex
	next int
	rnd  *rand.Rand
}

// NewDetector validates cfg and builds a detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	d := &Detector{
		rules:      trimmed(cfg.Rules),
		defaults:   trimmed(cfg.DefaultClusters),
		assignment: Assignment(strings.ToUpper(string(cfg.Assignment))),
		rnd:        rand.New(rand.NewSource(rand.Int63())),
	}
	if len(d.rules) == 0 {
		d.rules = DefaultRules
	}
	if len(d.defaults) == 0 {
		d.defaults = DefaultClusters
	}
	switch d.assignment {
	case "":
		d.assignment = AssignRandom
	case AssignRandom, AssignSequential:
	default:
		return nil, fmt.Errorf("unsupported default cluster assignment %q", cfg.Assignment)
	}
	return d, nil
}

func trimmed(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ZoneIDFor returns the zone id of e. An entry already assigned to a zone
// keeps it.
func (d *Detector) ZoneIDFor(e *registry.Entry) string {
	if id := e.ZoneID(); id != "" {
		return id
	}
	info := e.Preregistration()
	for _, rule := range d.rules {
		if v := strings.TrimSpace(d.apply(rule, e, info)); v != "" {
			return v
		}
	}
	return d.defaultCluster()
}

func (d *Detector) apply(rule string, e *registry.Entry, info map[string]string) string {
	switch rule {
	case RuleDomain:
		host := e.Hostname()
		if host == "" {
			host = info["original-address"]
		}
		if host == "" || net.ParseIP(host) != nil {
			return ""
		}
		if i := strings.IndexByte(host, '.'); i >= 0 && i < len(host)-1 {
			return host[i+1:]
		}
		return ""
	case RuleSubnet:
		ip := net.ParseIP(e.NodeAddress()).To4()
		if ip == nil {
			return ""
		}
		return fmt.Sprintf("%d.%d.%d.0/24", ip[0], ip[1], ip[2])
	case RuleRandom:
		return uuid.NewString()
	default:
		return info[rule]
	}
}

func (d *Detector) defaultCluster() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assignment == AssignSequential {
		id := d.defaults[d.next]
		d.next = (d.next + 1) % len(d.defaults)
		return id
	}
	return d.defaults[d.rnd.Intn(len(d.defaults))]
}
