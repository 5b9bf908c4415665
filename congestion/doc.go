// Package congestion tracks the send window and retransmit timeout of a
// reliable RTP stream.
//
// A BandwidthTracker is fed by the resend buffer: bytes are charged to the
// window on send, credited back on ack or expiry, and every trustworthy
// round trip sample refines SRTT, RTTVAR and the RTO. Loss halves the
// window toward a new slow-start threshold.
package congestion
