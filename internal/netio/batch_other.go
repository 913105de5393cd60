//go:build !linux

package netio

// Non-Linux builds take the x/net single-message emulation path; no recvmmsg
// flags apply.
const batchRecvFlags = 0
