// Package channel owns the raw cross-boundary link between a parent context
// and the child context it embeds.
//
// Ownership boundary:
// - SYN/ACK/RST/FIN handshake and connection state
// - source and origin enforcement on inbound frames
// - envelope encoding and named-event demultiplexing
// - deferred sends (wait for connection, skip while disconnected)
//
// Transports live under internal/transport and only need to satisfy Context
// and Target. Everything above the channel (rpc, event, store) talks through
// Send/SendWith and On/Once.
package channel
