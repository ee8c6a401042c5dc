// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetransmitInterval = time.Hour

// pending tracks the retransmission schedule of the last datagram sent for
// an exchange. The deadline is t0+timeout; every cycle moves t0 to the old
// deadline and grows timeout by the backoff factor.
type pending struct {
	t0       time.Time
	timeout  time.Duration
	retries  int
	armed    bool
	params   TransmissionParams
	schedule backoff.ExponentialBackOff
}

// init prepares the tracker for a new transmission at now. Non-confirmable
// messages get no retries; their timer only bounds the exchange.
func (p *pending) init(params TransmissionParams, now time.Time, confirmable bool) {
	p.params = params
	p.t0 = now
	p.timeout = 0
	p.armed = false
	p.retries = params.MaxRetransmit
	if !confirmable {
		p.retries = 0
	}
}

// cycle arms the first timeout or, on later calls, consumes one retry.
// It returns false once no retries are left.
func (p *pending) cycle() bool {
	if !p.armed {
		p.schedule = backoff.ExponentialBackOff{
			InitialInterval:     p.params.initialTimeout(),
			RandomizationFactor: 0,
			Multiplier:          p.params.BackoffFactor,
			MaxInterval:         maxRetransmitInterval,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		p.schedule.Reset()
		p.timeout = p.schedule.NextBackOff()
		p.armed = true
		return true
	}
	if p.retries == 0 {
		return false
	}
	p.t0 = p.t0.Add(p.timeout)
	p.timeout = p.schedule.NextBackOff()
	p.retries--
	return true
}

// separate waits for a separate response without retransmitting.
func (p *pending) separate(now time.Time) {
	p.t0 = now
	p.timeout = SeparateResponseTimeout
	p.retries = 0
	p.armed = true
}

// clear stops the timer. The exchange lifetime still counts from t0.
func (p *pending) clear() {
	p.armed = false
	p.timeout = 0
}

// endLifetime makes the exchange lifetime elapse immediately.
func (p *pending) endLifetime() {
	p.clear()
	p.t0 = time.Time{}
}

func (p *pending) deadline() (time.Time, bool) {
	if !p.armed {
		return time.Time{}, false
	}
	return p.t0.Add(p.timeout), true
}

func (p *pending) expired(now time.Time) bool {
	dl, ok := p.deadline()
	return ok && !now.Before(dl)
}

func (p *pending) lifetimeExceeded(now time.Time) bool {
	if p.t0.IsZero() {
		return true
	}
	return now.Sub(p.t0) > p.params.exchangeLifetime()
}

// initialTimeout picks the first timeout in [ACKTimeout, ACKTimeout*RandomFactor].
func (p TransmissionParams) initialTimeout() time.Duration {
	if p.RandomFactor <= 1 {
		return p.ACKTimeout
	}
	spread := float64(p.ACKTimeout) * (p.RandomFactor - 1)
	return p.ACKTimeout + time.Duration(rand.Float64()*spread)
}
