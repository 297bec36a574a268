package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to run the mark/probe cycle (default: 30s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that runs the two-phase
// mark/probe cycle on a fixed interval. It returns immediately; the goroutine
// exits when the server's done channel is closed.
//
// Each cycle: a connection whose liveness flag is still cleared (the previous
// probe went unanswered) is terminated and removed; every other connection
// has its flag cleared and receives a WebSocket ping frame (opcode 0x9),
// which the browser answers automatically with a pong. Any inbound frame
// sets the flag, so a connection survives at most one missed interval.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server.Connections().All(), func(c *Connection) {
					log.Printf("ws: heartbeat timeout session=%s", c.ID)
					server.RemoveConnection(c)
				})
			}
		}
	}()
}

// sweepConnections performs one mark/probe pass over the given snapshot.
// Connections that did not answer the previous probe are passed to evict;
// the rest have their liveness flag cleared and are probed. A failed probe
// write also evicts, since the transport is already unusable.
func sweepConnections(conns []*Connection, evict func(*Connection)) {
	for _, c := range conns {
		if !c.IsAlive() {
			evict(c)
			continue
		}

		c.clearAlive()

		// The write mutex on the connection serializes the ping with any
		// concurrent application writes.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			evict(c)
		}
	}
}
