// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidator

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// ContextVersion tags the flash loan context wire format.
const ContextVersion uint8 = 1

// contextEncodedLen = version(1) + target(20) + debtToCover(32)
const contextEncodedLen = 53

// FlashLoanContext is the opaque payload handed to the lending market at
// loan initiation and returned to the executor inside the callback. The
// callback must see it byte-identical to what was dispatched, otherwise the
// run fails closed.
type FlashLoanContext struct {
	Version     uint8
	Target      common.Address // Account being liquidated
	DebtToCover *big.Int       // Debt repaid with the borrowed funds
}

// ToBytes serializes the context for the external call boundary.
func (c FlashLoanContext) ToBytes() []byte {
	data := make([]byte, contextEncodedLen)
	data[0] = c.Version
	copy(data[1:21], c.Target.Bytes())
	c.DebtToCover.FillBytes(data[21:53])
	return data
}

// ContextFromBytes deserializes a flash loan context, rejecting payloads of
// the wrong length or version.
func ContextFromBytes(data []byte) (FlashLoanContext, error) {
	if len(data) != contextEncodedLen {
		return FlashLoanContext{}, ErrContextCorrupted
	}
	if data[0] != ContextVersion {
		return FlashLoanContext{}, ErrContextCorrupted
	}
	return FlashLoanContext{
		Version:     data[0],
		Target:      common.BytesToAddress(data[1:21]),
		DebtToCover: new(big.Int).SetBytes(data[21:53]),
	}, nil
}

// requestID derives the run identifier from the request and block height.
func requestID(req LiquidationRequest, block uint64) [32]byte {
	h := blake3.New()
	h.Write(req.Target.Bytes())

	var domainBytes [4]byte
	binary.BigEndian.PutUint32(domainBytes[:], req.OriginDomain)
	h.Write(domainBytes[:])
	h.Write(req.OriginSender.Bytes())

	var blockBytes [8]byte
	binary.BigEndian.PutUint64(blockBytes[:], block)
	h.Write(blockBytes[:])

	var id [32]byte
	h.Digest().Read(id[:])
	return id
}
