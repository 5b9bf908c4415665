// File: server/protocol.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const maxRequestLine = 1024

var (
	errBadRequest   = errors.New("bad request")
	errLineTooLong  = errors.New("request line too long")
	errNoDefaultDst = errors.New("no default destination configured")
)

type streamRequest struct {
	dest   netip.AddrPort
	window int
}

// parseStreamRequest parses one request line without its terminator.
func parseStreamRequest(line string, def netip.AddrPort) (streamRequest, error) {
	fields := strings.Fields(strings.TrimSuffix(line, "\r"))
	if len(fields) < 2 || len(fields) > 3 || fields[0] != "STREAM" {
		return streamRequest{}, fmt.Errorf("%w: %q", errBadRequest, line)
	}
	var req streamRequest
	if fields[1] == "-" {
		if !def.IsValid() {
			return streamRequest{}, errNoDefaultDst
		}
		req.dest = def
	} else {
		ap, err := netip.ParseAddrPort(fields[1])
		if err != nil {
			return streamRequest{}, fmt.Errorf("%w: destination: %v", errBadRequest, err)
		}
		req.dest = ap
	}
	if len(fields) == 3 {
		w, err := strconv.Atoi(fields[2])
		if err != nil || w < 0 {
			return streamRequest{}, fmt.Errorf("%w: window %q", errBadRequest, fields[2])
		}
		req.window = w
	}
	return req, nil
}

func okReply(ssrc uint32, port uint16) []byte {
	return []byte(fmt.Sprintf("OK %d %d\n", ssrc, port))
}

func errReply(err error) []byte {
	return []byte("ERR " + err.Error() + "\n")
}
