// Package identity rotates outbound request header profiles so consecutive
// requests do not share a trivially fingerprintable client signature.
//
// Rotation is camouflage for politeness tooling only. It provides no
// authentication, privacy, or security guarantee and must not be treated as one.
package identity

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
)

// Profile is a named set of headers imitating one browser/OS combination.
type Profile struct {
	Name      string
	UserAgent string
	Headers   http.Header
}

// Apply writes the profile onto h, replacing existing values.
func (p Profile) Apply(h http.Header) {
	for key, values := range p.Headers {
		h.Del(key)
		for _, v := range values {
			h.Add(key, v)
		}
	}
	if p.UserAgent != "" {
		h.Set("User-Agent", p.UserAgent)
	}
}

func (p Profile) clone() Profile {
	p.Headers = p.Headers.Clone()
	return p
}

// Rotator hands out profiles chosen uniformly at random per call.
type Rotator struct {
	mu       sync.Mutex
	profiles []Profile
	rng      *rand.Rand
}

// Option customises a Rotator.
type Option func(*Rotator)

// WithRand makes the selection deterministic.
func WithRand(r *rand.Rand) Option {
	return func(rt *Rotator) {
		rt.rng = r
	}
}

// New builds a Rotator over profiles.
func New(profiles []Profile, opts ...Option) (*Rotator, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one identity profile is required")
	}
	r := &Rotator{profiles: make([]Profile, 0, len(profiles))}
	for _, p := range profiles {
		if p.UserAgent == "" {
			return nil, errors.New("identity profile requires a user agent")
		}
		r.profiles = append(r.profiles, p.clone())
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Default returns a Rotator over DefaultProfiles.
func Default(opts ...Option) *Rotator {
	r, err := New(DefaultProfiles(), opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Next returns a copy of a randomly selected profile.
func (r *Rotator) Next() Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	var i int
	if r.rng != nil {
		i = r.rng.IntN(len(r.profiles))
	} else {
		i = rand.IntN(len(r.profiles))
	}
	return r.profiles[i].clone()
}

// Profiles lists copies of the registered profiles in order.
func (r *Rotator) Profiles() []Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Profile, len(r.profiles))
	for i, p := range r.profiles {
		out[i] = p.clone()
	}
	return out
}
