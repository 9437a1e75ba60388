package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/zonekeeper/internal/events"
	"github.com/dreamware/zonekeeper/internal/metrics"
	"github.com/dreamware/zonekeeper/internal/storage"
)

// storeKeyPrefix namespaces entry snapshots in the backing store.
const storeKeyPrefix = "node/"

// AdmissionPolicy decides whether a repeated pre-registration for an address
// may replace the existing entry. Server coordinators implement it.
type AdmissionPolicy interface {
	AllowAlreadyPreregisteredNode(info map[string]any) bool
}

// ResolveFunc maps a hostname or address to an IP address.
type ResolveFunc func(hostOrAddress string) (string, error)

// Options configures a Registry. Every field is optional.
type Options struct {
	Logger    *zap.Logger
	Store     storage.Store
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Resolver  ResolveFunc
}

// Registry owns the node registry entries of the fleet, keyed by IP address and
// kept in pre-registration order.
//
// Every entry created by the registry reports its transitions back to it, so
// the registry persists the entry snapshot, publishes a transition event and
// updates the transition metrics after each successful state change.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	entries   map[string]*Entry
	admission AdmissionPolicy

	logger    *zap.Logger
	store     storage.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	resolve   ResolveFunc
}

// New creates an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		entries:   make(map[string]*Entry),
		logger:    opts.Logger,
		store:     opts.Store,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		resolve:   opts.Resolver,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("registry")
	if r.store == nil {
		r.store = storage.NewMemoryStore()
	}
	if r.publisher == nil {
		r.publisher = events.NopPublisher{}
	}
	if r.resolve == nil {
		r.resolve = LookupIP
	}
	return r
}

// LookupIP returns host unchanged when it already is an IP address, otherwise
// the first address DNS reports for it.
func LookupIP(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for host %s", host)
	}
	return addrs[0], nil
}

// SetAdmissionPolicy installs the policy consulted by AddNode when an address
// is pre-registered twice. Without a policy, repeats are refused.
func (r *Registry) SetAdmissionPolicy(p AdmissionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admission = p
}

// AddressFromInfo returns the node address carried by node info, looking at
// "ip-address", "address" and "ip" in that order.
func AddressFromInfo(info map[string]any) string {
	for _, key := range []string{"ip-address", "address", "ip"} {
		if v, ok := info[key]; ok && v != nil {
			if s := strings.TrimSpace(stringify(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// AddNode pre-registers a node from its discovery info.
//
// The address in info is resolved to an IP address; the original value is kept
// under "original-address" and the resolved one under "address". A failed
// resolution does not stop pre-registration, it is recorded in the entry's
// error history and the address is used as given.
//
// Returns ErrMissingAddress when info has no address, and an error wrapping
// ErrAlreadyPreregistered when the address is known and the admission policy
// refuses the overwrite.
func (r *Registry) AddNode(info map[string]any, clientID string) (*Entry, error) {
	hostOrAddress := AddressFromInfo(info)
	if hostOrAddress == "" {
		return nil, ErrMissingAddress
	}

	ip, resolveErr := r.resolve(hostOrAddress)
	if resolveErr != nil {
		r.logger.Error("Failed to resolve node address",
			zap.String("address", hostOrAddress), zap.Error(resolveErr))
		ip = hostOrAddress
	}

	data := maps.Clone(info)
	data["original-address"] = hostOrAddress
	data["address"] = ip

	entry := NewEntry(ip, clientID)
	if ip != hostOrAddress {
		entry.SetHostname(hostOrAddress)
	}
	if err := entry.NodePreregistration(data); err != nil {
		return nil, err
	}
	if resolveErr != nil {
		entry.AddError(fmt.Errorf("resolve %s: %w", hostOrAddress, resolveErr))
	}

	r.mu.Lock()
	if _, exists := r.entries[ip]; exists {
		if r.admission == nil || !r.admission.AllowAlreadyPreregisteredNode(data) {
			r.mu.Unlock()
			r.logger.Warn("Node already pre-registered, refusing overwrite", zap.String("address", ip))
			return nil, fmt.Errorf("%w: %s", ErrAlreadyPreregistered, ip)
		}
		r.logger.Info("Previous node info will be overwritten", zap.String("address", ip))
		r.order = slices.DeleteFunc(r.order, func(a string) bool { return a == ip })
	}
	r.entries[ip] = entry
	r.order = append(r.order, ip)
	count := len(r.entries)
	r.mu.Unlock()

	entry.setOnChange(r.entryChanged)
	r.metrics.SetEntries(count)
	r.entryChanged(entry, stateUnset, StatePreregistered)

	r.logger.Debug("Added node",
		zap.String("address", ip),
		zap.String("client_id", clientID),
		zap.Any("info", entry.Preregistration()))
	return entry, nil
}

// entryChanged persists, publishes and counts a successful transition.
func (r *Registry) entryChanged(e *Entry, from, to State) {
	r.metrics.ObserveTransition(to.String())
	r.persist(e)

	ev := events.Event{
		Kind:     events.KindNodeTransition,
		Time:     e.StateLastUpdate(),
		Address:  e.IPAddress(),
		ClientID: e.ClientID(),
		ZoneID:   e.ZoneID(),
		From:     from.String(),
		To:       to.String(),
	}
	if err := r.publisher.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("Failed to publish node transition",
			zap.String("address", e.IPAddress()), zap.Error(err))
	}
}

// Persist writes the current snapshot of e to the store. Callers use it after
// changes that are not transitions, such as a zone assignment.
func (r *Registry) Persist(e *Entry) {
	r.persist(e)
}

func (r *Registry) persist(e *Entry) {
	data, err := json.Marshal(e.Snapshot())
	if err == nil {
		err = r.store.Put(storeKeyPrefix+e.IPAddress(), data)
	}
	if err != nil {
		r.logger.Error("Failed to persist node entry",
			zap.String("address", e.IPAddress()), zap.Error(err))
	}
}

// Load restores the entries persisted in the store, oldest update first.
// Archived entries are skipped. Entries already present are kept.
func (r *Registry) Load() (int, error) {
	keys, err := r.store.List(storeKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list stored entries: %w", err)
	}

	snaps := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			return 0, fmt.Errorf("read %s: %w", key, err)
		}
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil {
			r.logger.Warn("Skipping unreadable node entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if s.State == StateArchived || s.IPAddress == "" {
			continue
		}
		snaps = append(snaps, s)
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return a.StateLastUpdate.Compare(b.StateLastUpdate)
	})

	loaded := 0
	r.mu.Lock()
	for _, s := range snaps {
		if _, exists := r.entries[s.IPAddress]; exists {
			continue
		}
		e := entryFromSnapshot(s)
		e.onChange = r.entryChanged
		r.entries[s.IPAddress] = e
		r.order = append(r.order, s.IPAddress)
		loaded++
	}
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetEntries(count)
	r.logger.Info("Loaded node entries", zap.Int("count", loaded))
	return loaded, nil
}

// Evict removes an archived entry from the registry and the store.
func (r *Registry) Evict(ipAddress string) error {
	r.mu.Lock()
	e, ok := r.entries[ipAddress]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, ipAddress)
	}
	if !e.IsArchived() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotArchived, ipAddress, e.State())
	}
	delete(r.entries, ipAddress)
	r.order = slices.DeleteFunc(r.order, func(a string) bool { return a == ipAddress })
	count := len(r.entries)
	r.mu.Unlock()

	if err := r.store.Delete(storeKeyPrefix + ipAddress); err != nil {
		r.logger.Error("Failed to delete node entry", zap.String("address", ipAddress), zap.Error(err))
	}
	r.metrics.SetEntries(count)
	if err := r.publisher.Publish(context.Background(), events.Event{
		Kind:     events.KindNodeEvicted,
		Time:     e.StateLastUpdate(),
		Address:  ipAddress,
		ClientID: e.ClientID(),
	}); err != nil {
		r.logger.Warn("Failed to publish node eviction", zap.String("address", ipAddress), zap.Error(err))
	}
	r.logger.Debug("Evicted node", zap.String("address", ipAddress))
	return nil
}

// GetByAddress looks an entry up by its IP address.
func (r *Registry) GetByAddress(ipAddress string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ipAddress]
	return e, ok
}

// GetByReference and GetByClientID scan the entries in pre-registration order
// and return the first match.
func (r *Registry) GetByReference(ref string) (*Entry, bool) {
	return r.find(func(e *Entry) bool { return e.Reference() == ref })
}

func (r *Registry) GetByClientID(clientID string) (*Entry, bool) {
	return r.find(func(e *Entry) bool { return e.ClientID() == clientID })
}

func (r *Registry) find(match func(*Entry) bool) (*Entry, bool) {
	for _, e := range r.Entries() {
		if match(e) {
			return e, true
		}
	}
	return nil, false
}

// Entries returns the entries in pre-registration order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, ip := range r.order {
		out = append(out, r.entries[ip])
	}
	return out
}

// Addresses returns the registered IP addresses in pre-registration order.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
