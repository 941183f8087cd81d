// Package probe implements the UDP liveness probe used between mesh nodes
// and ping statistics over it.
package probe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/wesleywu/routemesh/internal/logger"
)

const (
	probePrefix = "routemesh-probe:"
	ackPrefix   = "routemesh-ack:"

	// DefaultTimeout bounds a single probe when neither ctx nor the prober set one
	DefaultTimeout = 5 * time.Second
)

var ErrClosed = errors.New("responder closed")

// Prober measures the round-trip time to a probe responder
type Prober interface {
	Probe(ctx context.Context, target netip.AddrPort) (time.Duration, error)
}

// Responder listens for probes and replies with acks
type Responder struct {
	conn *net.UDPConn
	log  *logger.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// StartResponder starts a UDP responder on addr (e.g. ":5679" or "127.0.0.1:0")
func StartResponder(addr string, log *logger.Logger) (*Responder, error) {
	if log == nil {
		log = logger.Nop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve probe address %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen probe address %s: %w", addr, err)
	}

	r := &Responder{conn: conn, log: log}
	r.wg.Add(1)
	go r.serve()
	return r, nil
}

// LocalAddr returns the bound address of the responder
func (r *Responder) LocalAddr() netip.AddrPort {
	if r == nil || r.conn == nil {
		return netip.AddrPort{}
	}
	return r.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close stops the responder and waits for its loop to exit
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}

func (r *Responder) serve() {
	defer r.wg.Done()
	buf := make([]byte, 512)
	for {
		n, addr, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Warn("Probe responder stopped", "error", err)
			}
			return
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, probePrefix) {
			continue
		}
		nonce := strings.TrimPrefix(msg, probePrefix)
		if _, err := r.conn.WriteToUDPAddrPort([]byte(ackPrefix+nonce), addr); err != nil {
			r.log.Debug("Probe ack failed", "peer", addr.String(), "error", err)
		}
	}
}

// UDPProber sends one probe per call over a fresh socket
type UDPProber struct {
	Timeout time.Duration
}

func NewUDPProber(timeout time.Duration) *UDPProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &UDPProber{Timeout: timeout}
}

// Probe sends a nonce to target and waits for the matching ack
func (p *UDPProber) Probe(ctx context.Context, target netip.AddrPort) (time.Duration, error) {
	if !target.IsValid() {
		return 0, fmt.Errorf("invalid probe target %s", target)
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(target))
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	nonce, err := randomNonce(8)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.Write([]byte(probePrefix + nonce)); err != nil {
		return 0, probeError(ctx, err)
	}

	want := ackPrefix + nonce
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, probeError(ctx, err)
		}
		if string(buf[:n]) == want {
			return time.Since(start), nil
		}
	}
}

func probeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func randomNonce(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
