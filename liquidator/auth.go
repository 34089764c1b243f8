// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidator

import (
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
)

// PolicyMode selects between the two authorization variants.
type PolicyMode uint8

const (
	// PolicyAllowlist authorizes any (domain, sender) pair present in the
	// owner-managed allowlist maps.
	PolicyAllowlist PolicyMode = iota

	// PolicyPinned authorizes exactly one (domain, sender) pair fixed at
	// construction time.
	PolicyPinned
)

// AuthPolicy validates the declared origin of inbound cross-domain messages.
// An entry absent from the allowlist means not authorized: default-deny.
type AuthPolicy struct {
	mu sync.RWMutex

	mode  PolicyMode
	owner common.Address

	// Allowlist variant
	domains map[uint32]bool
	senders map[common.Address]bool

	// Pinned variant
	pinnedDomain uint32
	pinnedSender common.Address
}

// NewAllowlistPolicy creates an empty allowlist policy mutable by owner.
func NewAllowlistPolicy(owner common.Address) *AuthPolicy {
	return &AuthPolicy{
		mode:    PolicyAllowlist,
		owner:   owner,
		domains: make(map[uint32]bool),
		senders: make(map[common.Address]bool),
	}
}

// NewPinnedPolicy creates a policy pinned to a single counterpart.
func NewPinnedPolicy(domain uint32, sender common.Address) *AuthPolicy {
	return &AuthPolicy{
		mode:         PolicyPinned,
		pinnedDomain: domain,
		pinnedSender: sender,
	}
}

// Authorize returns ErrUnauthorized unless the (domain, sender) pair is
// allowed under the policy. Pure validation, no state change.
func (p *AuthPolicy) Authorize(domain uint32, sender common.Address) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.mode {
	case PolicyPinned:
		if domain != p.pinnedDomain || sender != p.pinnedSender {
			return fmt.Errorf("%w: domain %d sender %s", ErrUnauthorized, domain, sender.Hex())
		}
		return nil
	default:
		if !p.domains[domain] || !p.senders[sender] {
			return fmt.Errorf("%w: domain %d sender %s", ErrUnauthorized, domain, sender.Hex())
		}
		return nil
	}
}

// SetDomainAllowed marks an origin domain as allowed or not. Owner only.
func (p *AuthPolicy) SetDomainAllowed(caller common.Address, domain uint32, allowed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == PolicyPinned {
		return ErrPinnedPolicy
	}
	if caller != p.owner {
		return ErrNotOwner
	}

	p.domains[domain] = allowed
	return nil
}

// SetSenderAllowed marks an origin sender as allowed or not. Owner only.
func (p *AuthPolicy) SetSenderAllowed(caller common.Address, sender common.Address, allowed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == PolicyPinned {
		return ErrPinnedPolicy
	}
	if caller != p.owner {
		return ErrNotOwner
	}

	p.senders[sender] = allowed
	return nil
}
