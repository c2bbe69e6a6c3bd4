// Package vsockproc is a vatworker.Worker transport for vats running as a
// process inside a Firecracker-style microVM, reached over AF_VSOCK.
// Grounded on firecracker/vsock.go's dial-and-frame pattern, using the real
// mdlayher/vsock dialer in place of the teacher's Firecracker-UDS-proxy
// CONNECT handshake (this kernel talks to a plain vsock listener, not a
// Firecracker vsock-over-UDS proxy).
package vsockproc

import (
	"context"
	"fmt"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/transport/wire"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// Options configures a vsockproc dial.
type Options struct {
	CID             uint32
	Port            uint32
	HandshakeTimeout time.Duration
}

// New dials cid:port and returns a vatworker.Worker once the connection is
// open; the caller still must call AwaitReady to wait for the worker's
// ready handshake before using it, exactly like any other transport.
func New(ctx context.Context, vatID domain.EndpointID, opts Options) (vatworker.Worker, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	type dialResult struct {
		conn *vsock.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := vsock.Dial(opts.CID, opts.Port, nil)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("vsockproc: dial %s (cid=%d port=%d): %w", vatID, opts.CID, opts.Port, r.err)
		}
		codec := wire.NewCodec(r.conn)
		return wire.NewClient(codec, r.conn.Close), nil
	case <-dialCtx.Done():
		return nil, fmt.Errorf("vsockproc: dial %s: %w", vatID, dialCtx.Err())
	}
}

// Factory adapts New to vatworker.Factory. bundleSpec is unused directly
// here (the vat's own process reads it from its env/argv at launch, not
// from the kernel's dial step) but is accepted to satisfy the common
// factory signature; opts.Env["OCAP_VSOCK_CID"]/["OCAP_VSOCK_PORT"] select
// the dial target for vats launched by a VM-managing subcluster.
func Factory(defaultPort uint32) vatworker.Factory {
	return func(ctx context.Context, vatID domain.EndpointID, bundleSpec string, creationOpts domain.VatCreationOptions) (vatworker.Worker, error) {
		cid, port, err := resolveTarget(creationOpts, defaultPort)
		if err != nil {
			return nil, err
		}
		return New(ctx, vatID, Options{CID: cid, Port: port})
	}
}

func resolveTarget(opts domain.VatCreationOptions, defaultPort uint32) (cid uint32, port uint32, err error) {
	cidStr, ok := opts.Env["OCAP_VSOCK_CID"]
	if !ok {
		return 0, 0, fmt.Errorf("vsockproc: creation options missing OCAP_VSOCK_CID")
	}
	var n uint64
	if _, err := fmt.Sscanf(cidStr, "%d", &n); err != nil {
		return 0, 0, fmt.Errorf("vsockproc: invalid OCAP_VSOCK_CID %q: %w", cidStr, err)
	}
	cid = uint32(n)
	port = defaultPort
	if portStr, ok := opts.Env["OCAP_VSOCK_PORT"]; ok {
		var p uint64
		if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil {
			return 0, 0, fmt.Errorf("vsockproc: invalid OCAP_VSOCK_PORT %q: %w", portStr, err)
		}
		port = uint32(p)
	}
	return cid, port, nil
}
