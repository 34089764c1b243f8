// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
)

// MessageVersion tags the cross-domain payload wire format.
const MessageVersion uint8 = 1

// Message kinds
const (
	KindLiquidate uint8 = 1 // Origin -> execution: liquidate Target
	KindProfit    uint8 = 2 // Execution -> origin: remit Amount of Asset
)

// EndByte delimits the encoded message before zero padding.
const EndByte = byte(0xff)

// messageEncodedLen = version(1) + kind(1) + target(20) + asset(20) + amount(32)
const messageEncodedLen = 74

// Message is the cross-domain payload. KindLiquidate carries Target;
// KindProfit carries Asset and Amount.
type Message struct {
	Version uint8
	Kind    uint8
	Target  common.Address // Liquidation target (KindLiquidate)
	Asset   common.Address // Remitted asset (KindProfit)
	Amount  *big.Int       // Remitted amount (KindProfit)
}

// Pack serializes the message, appends the end delimiter and pads to a
// 32-byte boundary for the message bus.
func (m Message) Pack() []byte {
	data := make([]byte, messageEncodedLen)
	data[0] = m.Version
	data[1] = m.Kind
	copy(data[2:22], m.Target.Bytes())
	copy(data[22:42], m.Asset.Bytes())
	if m.Amount != nil {
		m.Amount.FillBytes(data[42:74])
	}

	withDelimiter := append(data, EndByte)
	paddedLength := (len(withDelimiter) + 31) / 32 * 32
	padded := make([]byte, paddedLength)
	copy(padded, withDelimiter)
	return padded
}

// Unpack deserializes a padded payload, rejecting bad padding, a missing end
// delimiter, wrong length or an unknown version.
func Unpack(padded []byte) (Message, error) {
	trimmed := common.TrimRightZeroes(padded)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: all zero bytes", ErrInvalidPayload)
	}
	if expected := (len(trimmed) + 31) / 32 * 32; expected != len(padded) {
		return Message{}, fmt.Errorf("%w: got length %d, expected %d", ErrInvalidPayload, len(padded), expected)
	}
	if trimmed[len(trimmed)-1] != EndByte {
		return Message{}, fmt.Errorf("%w: missing end delimiter", ErrInvalidPayload)
	}

	data := trimmed[:len(trimmed)-1]
	if len(data) != messageEncodedLen {
		return Message{}, fmt.Errorf("%w: body length %d", ErrInvalidPayload, len(data))
	}
	if data[0] != MessageVersion {
		return Message{}, fmt.Errorf("%w: version %d", ErrInvalidPayload, data[0])
	}
	if data[1] != KindLiquidate && data[1] != KindProfit {
		return Message{}, fmt.Errorf("%w: kind %d", ErrUnknownKind, data[1])
	}

	return Message{
		Version: data[0],
		Kind:    data[1],
		Target:  common.BytesToAddress(data[2:22]),
		Asset:   common.BytesToAddress(data[22:42]),
		Amount:  new(big.Int).SetBytes(data[42:74]),
	}, nil
}
