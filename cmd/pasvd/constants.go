package main

import "time"

// Controller defaults
const (
	defaultIntervalMS    = 10  // Tick interval (ms)
	defaultDurationMS    = 150 // Transition length when the request has none (ms)
	maxRequestDurationMS = 1e9 // Longest accepted per-request duration (ms)

	// How long a looked-up default sink is trusted before asking again.
	// Short enough to follow the user switching outputs.
	sinkRefreshInterval = 1 * time.Second
)

// Process defaults
const (
	defaultPulseAppName   = "pa-smooth-volume"
	defaultSocketName     = "pasvd"
	defaultConfigDirName  = "pasvd"
	defaultConfigFileName = "config.yaml"
	defaultLogLevel       = "info"

	pulseConnectAttempts = 10
	pulseConnectBackoff  = 500 * time.Millisecond

	statusEventBuffer = 256 // Controller -> status broadcaster queue size
)

// Listener limits
const (
	maxRequestBytes    = 4096            // Largest accepted request payload
	requestReadTimeout = 5 * time.Second // Per-connection read deadline
)
