// Package api defines the shared contracts of hioload-rtp: errors, readiness
// masks and the slot pool abstraction used by the reliability engine.
// Author: momentics <momentics@gmail.com>
package api
