package gateway

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// PairingPayload is what a remote client needs to connect, usually shown as
// a QR code.
type PairingPayload struct {
	URL         string    `json:"url"`
	Subprotocol string    `json:"subprotocol"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Pairing mints a fresh token and describes where to use it.
func (s *Server) Pairing() (PairingPayload, error) {
	token, exp, err := s.tokens.Issue()
	if err != nil {
		return PairingPayload{}, err
	}
	u, err := s.bridgeURL()
	if err != nil {
		return PairingPayload{}, err
	}
	return PairingPayload{URL: u, Subprotocol: PairingSubprotocol(token), ExpiresAt: exp}, nil
}

func (s *Server) bridgeURL() (string, error) {
	if base := strings.TrimRight(s.cfg.PublicBaseURL, "/"); base != "" {
		return base + s.cfg.Path, nil
	}
	addr := s.BoundAddr()
	if addr == "" {
		addr = s.cfg.Addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("bridge address %q: %w", addr, err)
	}
	ip, err := lanIPv4()
	if err != nil {
		return "", err
	}
	return "ws://" + net.JoinHostPort(ip, port) + s.cfg.Path, nil
}

// lanIPv4 returns the first non-loopback IPv4 address of this host.
func lanIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address")
}
