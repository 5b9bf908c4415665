// Package server wires the scheduler, the event thread, the listener and
// the reliable RTP engine into a relay: each TCP connection announces a
// UDP destination with one request line and then streams raw media bytes,
// which are packetized into RTP and delivered over UDP with retransmission
// driven by qtak acks from the receiver.
//
// Request line, terminated by '\n':
//
//	STREAM <host:port|-> [client-window-bytes]
//
// "-" selects the configured default destination. A window of zero or an
// absent window sends plain RTP without retransmission. The server answers
// "OK <ssrc> <udp-port>" or "ERR <reason>" and closes on error.
package server
