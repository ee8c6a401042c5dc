// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
)

// midGenerator hands out message IDs from a randomly seeded counter, so a
// restarted process does not reuse the IDs of its predecessor.
type midGenerator struct {
	id atomic.Uint32
}

func newMIDGenerator() *midGenerator {
	inst := &midGenerator{}
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return inst
	}
	inst.id.Store(binary.LittleEndian.Uint32(buf[:]))
	return inst
}

func (m *midGenerator) next() uint16 {
	return uint16(m.id.Add(1))
}

var (
	midInst *midGenerator
	midOnce sync.Once
)

func nextMessageID() uint16 {
	midOnce.Do(func() {
		midInst = newMIDGenerator()
	})
	return midInst.next()
}
