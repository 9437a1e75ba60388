package zone

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/registry"
)

var (
	// ErrPortsExhausted is returned when a zone has handed out every port of
	// its range.
	ErrPortsExhausted = errors.New("zone ports exhausted")

	// ErrInvalidZone is returned by New for a blank id or a bad port range.
	ErrInvalidZone = errors.New("invalid zone")

	// ErrNoAddress is returned when an entry carries no usable address.
	ErrNoAddress = errors.New("node address not found in pre-registration info")
)

// Default cluster port range of a zone.
const (
	DefaultStartPort = 1200
	DefaultEndPort   = 65535
)

// Member is one node with a live session in a zone.
type Member struct {
	// Seq is the insertion sequence number. It never changes while the node
	// stays in the zone and orders the member list.
	Seq     uint64
	Session cluster.NodeSession
	Address string
	Port    int
}

// ClusterKey is the shared secret the nodes of a zone's cluster authenticate
// each other with.
type ClusterKey struct {
	ID     string `json:"id"`
	Secret string `json:"-"`
}

// Zone is an ordered group of node sessions that form one broker cluster.
//
// Members are kept in insertion order; index 0 is the "first node" that
// initializes the cluster under the at-least-two strategy. Re-adding an
// address replaces the session in place and keeps its position.
//
// A zone also tracks nodes without a client: pre-registered nodes that run no
// agent and are monitored by the zone's members instead.
type Zone struct {
	id        string
	startPort int
	endPort   int
	key       ClusterKey

	mu            sync.RWMutex
	nextSeq       uint64
	members       []Member
	currentPort   int
	ports         map[string]int
	withoutClient []*registry.Entry
	aggregator    cluster.NodeSession
	formed        bool
}

// New creates an empty zone with a fresh cluster key.
func New(id string, startPort, endPort int) (*Zone, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: zone id cannot be blank", ErrInvalidZone)
	}
	if startPort < 1 || endPort < 1 || startPort > 65535 || endPort > 65535 {
		return nil, fmt.Errorf("%w: zone %s ports must be between 1 and 65535: start=%d, end=%d",
			ErrInvalidZone, id, startPort, endPort)
	}
	if startPort > endPort {
		return nil, fmt.Errorf("%w: zone %s start port %d is after end port %d",
			ErrInvalidZone, id, startPort, endPort)
	}
	secret, err := randomAlphanumeric(64)
	if err != nil {
		return nil, fmt.Errorf("generate cluster key for zone %s: %w", id, err)
	}
	return &Zone{
		id:          id,
		startPort:   startPort,
		endPort:     endPort,
		key:         ClusterKey{ID: uuid.NewString(), Secret: secret},
		currentPort: startPort,
		ports:       make(map[string]int),
	}, nil
}

func (z *Zone) ID() string { return z.id }

// Key is the cluster key generated when the zone was created.
func (z *Zone) Key() ClusterKey { return z.key }

// PortRange returns the inclusive range cluster ports are allocated from.
func (z *Zone) PortRange() (int, int) { return z.startPort, z.endPort }

// PortFor returns the cluster port of address, allocating the next free port
// of the range on first use. Ports are never reused within a zone.
func (z *Zone) PortFor(address string) (int, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.portFor(address)
}

func (z *Zone) portFor(address string) (int, error) {
	if port, ok := z.ports[address]; ok {
		return port, nil
	}
	if z.currentPort >= z.endPort {
		return 0, fmt.Errorf("%w: %s", ErrPortsExhausted, z.id)
	}
	z.currentPort++
	z.ports[address] = z.currentPort
	return z.currentPort, nil
}

// AddNode appends s to the zone and assigns its cluster port. A session for an
// address already in the zone replaces the old one at the same position.
func (z *Zone) AddNode(s cluster.NodeSession) (Member, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	address := s.ClientIPAddress()
	port, err := z.portFor(address)
	if err != nil {
		return Member{}, err
	}
	if i := z.indexOf(address); i >= 0 {
		if z.aggregator != nil && z.aggregator.ID() == z.members[i].Session.ID() {
			z.aggregator = nil
		}
		z.members[i].Session = s
		z.members[i].Port = port
		return z.members[i], nil
	}
	z.nextSeq++
	m := Member{Seq: z.nextSeq, Session: s, Address: address, Port: port}
	z.members = append(z.members, m)
	return m, nil
}

// RemoveNode removes s from the zone. It is a no-op when the address is held
// by a different session, which happens when a node reconnected before its
// old session was unregistered. Reports whether s was removed.
func (z *Zone) RemoveNode(s cluster.NodeSession) bool {
	z.mu.Lock()
	defer z.mu.Unlock()

	i := z.indexOf(s.ClientIPAddress())
	if i < 0 || z.members[i].Session.ID() != s.ID() {
		return false
	}
	z.members = slices.Delete(z.members, i, i+1)
	if z.aggregator != nil && z.aggregator.ID() == s.ID() {
		z.aggregator = nil
	}
	return true
}

func (z *Zone) indexOf(address string) int {
	return slices.IndexFunc(z.members, func(m Member) bool { return m.Address == address })
}

// Members returns the members in insertion order.
func (z *Zone) Members() []Member {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return slices.Clone(z.members)
}

// Nodes returns the member sessions in insertion order.
func (z *Zone) Nodes() []cluster.NodeSession {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]cluster.NodeSession, len(z.members))
	for i, m := range z.members {
		out[i] = m.Session
	}
	return out
}

// First returns the member at index 0.
func (z *Zone) First() (Member, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if len(z.members) == 0 {
		return Member{}, false
	}
	return z.members[0], true
}

// Len is the number of members with a live session.
func (z *Zone) Len() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return len(z.members)
}

// Member returns the member holding session s.
func (z *Zone) Member(s cluster.NodeSession) (Member, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	i := z.indexOf(s.ClientIPAddress())
	if i < 0 || z.members[i].Session.ID() != s.ID() {
		return Member{}, false
	}
	return z.members[i], true
}

// NodeByAddress returns the session of the member at address.
func (z *Zone) NodeByAddress(address string) (cluster.NodeSession, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if i := z.indexOf(address); i >= 0 {
		return z.members[i].Session, true
	}
	return nil, false
}

// Aggregator returns the elected aggregator, or nil before an election.
func (z *Zone) Aggregator() cluster.NodeSession {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.aggregator
}

func (z *Zone) SetAggregator(s cluster.NodeSession) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.aggregator = s
}

// MarkFormed records that the zone's broker cluster has been initialized and
// reports whether it already was.
func (z *Zone) MarkFormed() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	already := z.formed
	z.formed = true
	return already
}

// Formed reports whether the broker cluster is up.
func (z *Zone) Formed() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.formed
}

// Disband forgets the broker cluster once its last members were told to
// leave. The next formation initializes again.
func (z *Zone) Disband() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.formed = false
	z.aggregator = nil
}

func entryAddress(e *registry.Entry) string {
	if e.IPAddress() != "" {
		return e.IPAddress()
	}
	return e.NodeAddress()
}

// AddNodeWithoutClient records a node that runs no agent and marks the entry
// as belonging to this zone.
func (z *Zone) AddNodeWithoutClient(e *registry.Entry) error {
	address := entryAddress(e)
	if address == "" {
		return ErrNoAddress
	}
	z.mu.Lock()
	i := slices.IndexFunc(z.withoutClient, func(o *registry.Entry) bool { return entryAddress(o) == address })
	if i >= 0 {
		z.withoutClient[i] = e
	} else {
		z.withoutClient = append(z.withoutClient, e)
	}
	z.mu.Unlock()
	e.SetZoneID(z.id)
	return nil
}

// RemoveNodeWithoutClient drops a node without client from the zone.
func (z *Zone) RemoveNodeWithoutClient(e *registry.Entry) error {
	address := entryAddress(e)
	if address == "" {
		return ErrNoAddress
	}
	z.mu.Lock()
	z.withoutClient = slices.DeleteFunc(z.withoutClient, func(o *registry.Entry) bool { return entryAddress(o) == address })
	z.mu.Unlock()
	if e.ZoneID() == z.id {
		e.SetZoneID("")
	}
	return nil
}

func (z *Zone) NodesWithoutClient() []*registry.Entry {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return slices.Clone(z.withoutClient)
}

// ClientConfiguration lists the zone's nodes without client.
func (z *Zone) ClientConfiguration() cluster.ClientConfiguration {
	z.mu.RLock()
	addresses := make([]string, 0, len(z.withoutClient))
	for _, e := range z.withoutClient {
		addresses = append(addresses, entryAddress(e))
	}
	z.mu.RUnlock()
	return cluster.NewClientConfiguration(addresses)
}

// SendClientConfiguration pushes the client configuration to every member.
func (z *Zone) SendClientConfiguration() (cluster.ClientConfiguration, error) {
	cc := z.ClientConfiguration()
	var errs []error
	for _, s := range z.Nodes() {
		if err := cluster.SendClientConfig(s, cc); err != nil {
			errs = append(errs, fmt.Errorf("send client configuration to %s: %w", s.ID(), err))
		}
	}
	return cc, errors.Join(errs...)
}

// AggregatorCapable returns the entries of members that are registered or
// registering, the only nodes that may take the aggregator role.
func (z *Zone) AggregatorCapable(lookup func(address string) (*registry.Entry, bool)) []*registry.Entry {
	var out []*registry.Entry
	for _, m := range z.Members() {
		e, ok := lookup(m.Address)
		if !ok {
			continue
		}
		if st := e.State(); st == registry.StateRegistered || st == registry.StateRegistering {
			out = append(out, e)
		}
	}
	return out
}

// IsEmpty reports whether the zone has neither members nor nodes without
// client.
func (z *Zone) IsEmpty() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return len(z.members) == 0 && len(z.withoutClient) == 0
}

// MemberInfo is the serializable form of a member.
type MemberInfo struct {
	Seq       uint64 `json:"seq"`
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
}

// Info is the serializable form of a zone.
type Info struct {
	ID                 string       `json:"id"`
	KeyID              string       `json:"key_id"`
	Members            []MemberInfo `json:"members"`
	NodesWithoutClient []string     `json:"nodes_without_client"`
	Aggregator         string       `json:"aggregator,omitempty"`
}

// Info is a JSON friendly snapshot of the zone.
func (z *Zone) Info() Info {
	info := Info{ID: z.id, KeyID: z.key.ID, Members: []MemberInfo{}}
	for _, m := range z.Members() {
		info.Members = append(info.Members, MemberInfo{
			Seq:       m.Seq,
			SessionID: m.Session.ID(),
			Address:   m.Address,
			Port:      m.Port,
		})
	}
	info.NodesWithoutClient = z.ClientConfiguration().NodesWithoutClient
	if agg := z.Aggregator(); agg != nil {
		info.Aggregator = agg.ID()
	}
	return info
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[v.Int64()]
	}
	return string(b), nil
}
