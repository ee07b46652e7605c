package core

import (
	"sort"
	"strings"
	"sync"
)

// SessionVars holds the named variables a peer session shares with the rest
// of the process (synchronisation flags, last processed info hashes and the
// like). Values are visible to every other session via the Registry.
type SessionVars struct {
	mu   sync.RWMutex
	vals map[string]string

	seq    uint64
	ipAddr string
}

func newSessionVars(ipAddr string) *SessionVars {
	return &SessionVars{vals: make(map[string]string), ipAddr: ipAddr}
}

// Set assigns a variable; an empty value removes it.
func (v *SessionVars) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if value == "" {
		delete(v.vals, name)
	} else {
		v.vals[name] = value
	}
}

// Get returns the value of a variable or the empty string.
func (v *SessionVars) Get(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.vals[name]
}

// Registry holds the process-wide peer bookkeeping: the set of peers that
// completed a session successfully, the per-chain reconnect queues, the
// unlocked minting passwords and release flags, and the active session list.
//
// Two locks are deliberately kept apart: mu guards peer and session state
// while coreMu guards password and release state, so that minting never
// deadlocks against the session registry.
type Registry struct {
	mu sync.Mutex

	goodPeers    map[string]struct{}
	peersToRetry map[string][]string

	numPeers int
	maxPeers int

	nextSeq  uint64
	sessions []*SessionVars

	rejected map[string]struct{}
	accepted func(ip string) bool

	chainMu    sync.Mutex
	chainLocks map[string]*sync.Mutex

	coreMu sync.Mutex

	passwords map[string]map[string]struct{}
	release   map[string]struct{}
}

// NewRegistry creates a registry capped at maxPeers active sessions. The
// accepted predicate filters peer IP addresses; nil accepts everything.
func NewRegistry(maxPeers int, accepted func(ip string) bool) *Registry {
	return &Registry{
		goodPeers:    make(map[string]struct{}),
		peersToRetry: make(map[string][]string),
		maxPeers:     maxPeers,
		rejected:     make(map[string]struct{}),
		accepted:     accepted,
		chainLocks:   make(map[string]*sync.Mutex),
		passwords:    make(map[string]map[string]struct{}),
		release:      make(map[string]struct{}),
	}
}

// CoreFilesMutex returns the lock serializing minting and password state.
func (r *Registry) CoreFilesMutex() *sync.Mutex { return &r.coreMu }

// ChainLock returns the per-chain lock scoping transaction processing.
func (r *Registry) ChainLock(blockchain string) *sync.Mutex {
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	l, ok := r.chainLocks[blockchain]
	if !ok {
		l = new(sync.Mutex)
		r.chainLocks[blockchain] = l
	}
	return l
}

// IsAcceptedPeerAddr reports whether the given IP may open (or keep) a
// session. Rejections recorded via RejectPeerAddr take precedence over the
// configured predicate.
func (r *Registry) IsAcceptedPeerAddr(ip string) bool {
	r.mu.Lock()
	_, rejected := r.rejected[ip]
	r.mu.Unlock()
	if rejected {
		return false
	}
	if r.accepted == nil {
		return true
	}
	return r.accepted(ip)
}

// RejectPeerAddr records an explicit rejection for the given IP.
func (r *Registry) RejectPeerAddr(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[ip] = struct{}{}
}

// RemovePeerAddrRejection clears an explicit rejection for the given IP.
func (r *Registry) RemovePeerAddrRejection(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rejected, ip)
}

// HasMaxPeers reports whether the active session count has reached the cap.
func (r *Registry) HasMaxPeers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numPeers >= r.maxPeers
}

// NumPeers returns the active session count.
func (r *Registry) NumPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numPeers
}

// AddGoodPeer records that a full session with the peer completed.
func (r *Registry) AddGoodPeer(ipAddr, blockchain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goodPeers[ipAddr+"="+blockchain] = struct{}{}
}

// WasGoodPeer reports whether the peer previously completed a session.
func (r *Registry) WasGoodPeer(ipAddr, blockchain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.goodPeers[ipAddr+"="+blockchain]
	return ok
}

// GoodPeers returns a snapshot of the good peer keys.
func (r *Registry) GoodPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.goodPeers))
	for p := range r.goodPeers {
		peers = append(peers, p)
	}
	return peers
}

// AddPeerToRetry appends a peer address (ip or ip!port) to the chain's
// reconnect queue.
func (r *Registry) AddPeerToRetry(ipAddr, blockchain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peersToRetry[blockchain] = append(r.peersToRetry[blockchain], ipAddr)
}

// GetPeerToRetry pops the next reconnect candidate for the chain, silently
// skipping entries whose IP is no longer accepted. Returns the empty string
// when the queue is exhausted.
func (r *Registry) GetPeerToRetry(blockchain string) string {
	r.mu.Lock()
	var retval string
	queue := r.peersToRetry[blockchain]
	for len(queue) > 0 {
		retval = queue[0]
		queue = queue[1:]
		ip := retval
		if pos := strings.IndexByte(ip, '!'); pos >= 0 {
			ip = ip[:pos]
		}
		if _, rejected := r.rejected[ip]; !rejected && (r.accepted == nil || r.accepted(ip)) {
			break
		}
		retval = ""
	}
	r.peersToRetry[blockchain] = queue
	r.mu.Unlock()
	return retval
}

// RegisterSession adds a session to the registry, enforcing the peer cap.
func (r *Registry) RegisterSession(ipAddr string) (*SessionVars, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.numPeers >= r.maxPeers {
		return nil, ErrShuttingDown
	}
	r.numPeers++
	r.nextSeq++
	vars := newSessionVars(ipAddr)
	vars.seq = r.nextSeq
	r.sessions = append(r.sessions, vars)
	return vars, nil
}

// DeregisterSession removes a session and restores the peer count.
func (r *Registry) DeregisterSession(vars *SessionVars) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sv := range r.sessions {
		if sv == vars {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	if r.numPeers > 0 {
		r.numPeers--
	}
}

// HasSessionWithAddr reports whether any active session is bound to the IP.
func (r *Registry) HasSessionWithAddr(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sv := range r.sessions {
		if sv.ipAddr == ip {
			return true
		}
	}
	return false
}

// AnyHasVariable reports whether any active session has the variable set to
// the given value.
func (r *Registry) AnyHasVariable(name, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sv := range r.sessions {
		if sv.Get(name) == value {
			return true
		}
	}
	return false
}

// IsFirstUsingVariable reports whether vars is the earliest registered
// session holding the variable at the given value. Exactly one session per
// value can therefore win the minting election on any tick.
func (r *Registry) IsFirstUsingVariable(vars *SessionVars, name, value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first *SessionVars
	for _, sv := range r.sessions {
		if sv.Get(name) != value {
			continue
		}
		if first == nil || sv.seq < first.seq {
			first = sv
		}
	}
	return first == vars
}

// UnlockPassword inserts a minting password for the chain.
func (r *Registry) UnlockPassword(blockchain, password string) {
	r.coreMu.Lock()
	defer r.coreMu.Unlock()
	if r.passwords[blockchain] == nil {
		r.passwords[blockchain] = make(map[string]struct{})
	}
	r.passwords[blockchain][password] = struct{}{}
}

// ReleasePassword withdraws a single minting password (or all of them when
// password is empty) and raises the chain's release flag.
func (r *Registry) ReleasePassword(blockchain, password string) {
	r.coreMu.Lock()
	defer r.coreMu.Unlock()
	if _, ok := r.passwords[blockchain]; !ok {
		return
	}
	if password == "" {
		delete(r.passwords, blockchain)
	} else {
		delete(r.passwords[blockchain], password)
	}
	r.release[blockchain] = struct{}{}
}

// Passwords returns a snapshot of the unlocked passwords for the chain.
func (r *Registry) Passwords(blockchain string) []string {
	r.coreMu.Lock()
	defer r.coreMu.Unlock()
	return r.passwordsLocked(blockchain)
}

func (r *Registry) passwordsLocked(blockchain string) []string {
	passwords := make([]string, 0, len(r.passwords[blockchain]))
	for p := range r.passwords[blockchain] {
		passwords = append(passwords, p)
	}
	sort.Strings(passwords)
	return passwords
}

// WasReleased consumes the chain's release flag: the first caller after a
// password withdrawal observes true and clears it, so a release invalidates
// exactly one generation of minting candidates.
func (r *Registry) WasReleased(blockchain string) bool {
	r.coreMu.Lock()
	defer r.coreMu.Unlock()
	if _, ok := r.release[blockchain]; ok {
		delete(r.release, blockchain)
		return true
	}
	return false
}
