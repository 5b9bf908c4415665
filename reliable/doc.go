// Package reliable implements retransmission of RTP packets sent over UDP.
//
// A ResendBuffer keeps every sent packet until it is acknowledged or too old
// to be useful. Entries past their retransmit timeout are resent, charging
// the loss to the stream's congestion.BandwidthTracker. Acks arrive as qtak
// RTCP APP packets; ParseAck decodes them.
//
// A ResendBuffer belongs to exactly one stream task and has no locking.
package reliable
