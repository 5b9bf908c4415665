// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded table of live sessions keyed by uuid. The server records every
// adopted connection here so shutdown and stats can reach them; the session
// itself stays owned by its task.
package session
