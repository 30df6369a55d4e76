// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Prober performs an active connectivity check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber treats any HTTP response from URL as online and a transport
// failure as offline.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober for url with a short request timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Platform delivers connectivity notifications from the operating system or
// host application. Values are hints and get re-verified before use.
type Platform interface {
	Subscribe() (<-chan bool, func())
}

// ManualPlatform is a Platform fed by explicit Notify calls, for hosts that
// forward their own online/offline signals.
type ManualPlatform struct {
	mu   sync.Mutex
	subs []chan bool
}

// NewManualPlatform creates an empty ManualPlatform.
func NewManualPlatform() *ManualPlatform { return &ManualPlatform{} }

func (p *ManualPlatform) Subscribe() (<-chan bool, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan bool, 4)
	p.subs = append(p.subs, ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, c := range p.subs {
				if c == ch {
					p.subs = append(p.subs[:i], p.subs[i+1:]...)
					close(c)
					break
				}
			}
		})
	}
}

// Notify forwards an online/offline hint to every subscriber without blocking.
func (p *ManualPlatform) Notify(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- online:
		default:
		}
	}
}
