// Package media defines the boundary to the media engine: the SFU that owns
// routers, transports, producers and consumers and moves the actual packets.
//
// The conference core talks to this package's interfaces only. A production
// deployment wires the pion-backed engine from media/pionengine; tests wire
// the scriptable fake from media/mediatest.
package media
