// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package endowment

import "time"

// Config tunes the built-in factories.
type Config struct {
	// MinimumTimeout floors timer delays. Zero uses MinimumTimeout.
	MinimumTimeout time.Duration
	Network        NetworkConfig
}

// Builtins returns the default factory set.
func Builtins(cfg Config) []*Factory {
	return []*Factory{
		TimeoutFactory(cfg.MinimumTimeout),
		IntervalFactory(cfg.MinimumTimeout),
		NetworkFactory(cfg.Network),
		AbortFactory(),
		MathFactory(),
		DateFactory(),
		ConsoleFactory(),
		CryptoFactory(),
		TextCodecFactory(),
		URLFactory(),
		Base64Factory(),
		WebAssemblyFactory(),
	}
}

// WithBuiltins registers the default factory set.
func WithBuiltins(cfg Config) Option {
	return WithFactories(Builtins(cfg)...)
}
