// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor routes OS readiness notifications to scheduler tasks.
//
// A Poller wraps one readiness mechanism (epoll on Linux). Each registered
// descriptor is bound to an EventContext identified by a 32-bit tag; the
// EventThread waits on the poller, resolves tags through a refcounted
// Registry and signals the owning task. Interest is one-shot: a context must
// call RequestEvent again after every notification it wants to receive.
package reactor
