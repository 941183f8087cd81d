package config

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
)

// NormalizeDNSServers turns "1.1.1.1", "1.1.1.1:5353", "2606:4700::1111" and
// "[2606:4700::1111]:53" into host:port form. Blank entries and #-comments
// are skipped.
func NormalizeDNSServers(lines []string) ([]string, error) {
	servers := make([]string, 0, len(lines))

	for lineNum, line := range lines {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if addr, err := netip.ParseAddr(line); err == nil {
			servers = append(servers, net.JoinHostPort(addr.String(), "53"))
			continue
		}
		ap, err := netip.ParseAddrPort(line)
		if err != nil {
			return nil, fmt.Errorf("invalid DNS server at entry %d: %s", lineNum+1, line)
		}
		servers = append(servers, ap.String())
	}

	return servers, nil
}

// LoadDNSServers reads one server per line from a file
func LoadDNSServers(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", file, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)

	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", file, err)
	}

	return NormalizeDNSServers(lines)
}
