// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidator

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// balanceChange records the previous value of one balance slot so a snapshot
// revert can restore it.
type balanceChange struct {
	token common.Address
	addr  common.Address
	prev  *uint256.Int
}

// MemDB is a journaled in-memory StateDB. Every balance write appends the
// previous value to the journal; RevertToSnapshot replays the journal
// backwards to the snapshot point. It backs tests and the origin-domain
// ledger of the initiator.
type MemDB struct {
	mu sync.Mutex

	balances map[common.Address]map[common.Address]*uint256.Int
	journal  []balanceChange
	block    uint64
}

// NewMemDB creates an empty in-memory state db.
func NewMemDB() *MemDB {
	return &MemDB{
		balances: make(map[common.Address]map[common.Address]*uint256.Int),
		journal:  make([]balanceChange, 0),
	}
}

// GetBalance returns the balance of addr in token. Never nil.
func (db *MemDB) GetBalance(token, addr common.Address) *uint256.Int {
	db.mu.Lock()
	defer db.mu.Unlock()

	if bals := db.balances[token]; bals != nil {
		if b := bals[addr]; b != nil {
			return b.Clone()
		}
	}
	return uint256.NewInt(0)
}

// AddBalance credits addr with amount of token.
func (db *MemDB) AddBalance(token, addr common.Address, amount *uint256.Int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	prev := db.balance(token, addr)
	db.journal = append(db.journal, balanceChange{token, addr, prev.Clone()})
	db.setBalance(token, addr, new(uint256.Int).Add(prev, amount))
}

// SubBalance debits addr by amount of token, clamping at zero.
func (db *MemDB) SubBalance(token, addr common.Address, amount *uint256.Int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	prev := db.balance(token, addr)
	db.journal = append(db.journal, balanceChange{token, addr, prev.Clone()})

	next := new(uint256.Int)
	if prev.Cmp(amount) >= 0 {
		next.Sub(prev, amount)
	}
	db.setBalance(token, addr, next)
}

// Snapshot marks the current journal position.
func (db *MemDB) Snapshot() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.journal)
}

// RevertToSnapshot undoes every balance change recorded after the snapshot.
func (db *MemDB) RevertToSnapshot(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if id < 0 || id > len(db.journal) {
		return
	}
	for i := len(db.journal) - 1; i >= id; i-- {
		change := db.journal[i]
		db.setBalance(change.token, change.addr, change.prev)
	}
	db.journal = db.journal[:id]
}

// GetBlockNumber returns the current block height.
func (db *MemDB) GetBlockNumber() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.block
}

// SetBlockNumber advances the block height.
func (db *MemDB) SetBlockNumber(block uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.block = block
}

func (db *MemDB) balance(token, addr common.Address) *uint256.Int {
	if bals := db.balances[token]; bals != nil {
		if b := bals[addr]; b != nil {
			return b
		}
	}
	return uint256.NewInt(0)
}

func (db *MemDB) setBalance(token, addr common.Address, value *uint256.Int) {
	bals := db.balances[token]
	if bals == nil {
		bals = make(map[common.Address]*uint256.Int)
		db.balances[token] = bals
	}
	bals[addr] = value.Clone()
}
