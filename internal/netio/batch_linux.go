package netio

import "golang.org/x/sys/unix"

// recvmmsg without MSG_WAITFORONE blocks until the whole vector fills; with it
// the call returns as soon as one datagram is queued, which is what the
// timeout-bounded RecvBatch contract needs.
const batchRecvFlags = unix.MSG_WAITFORONE
