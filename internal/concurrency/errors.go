// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "errors"

// ErrAffinityNotSupported indicates CPU affinity is not supported on this platform
var ErrAffinityNotSupported = errors.New("CPU affinity not supported")
