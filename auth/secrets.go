// Package auth provides server-side SMTP authentication backed by a
// secrets file.
package auth

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaykit/go-smtpd/log"
)

const (
	encodingPlain  = "plain"
	encodingBcrypt = "bcrypt"
	encodingNone   = "none"
)

type secret struct {
	encoding string
	value    string
}

type trustedNetwork struct {
	network *net.IPNet
	name    string
}

// Secrets holds the server-side entries of a secrets file:
//
//	# comment
//	server plain  <user> <password>
//	server bcrypt <user> <bcrypt-hash>
//	server none   <address/prefix> <name>
//
// "none" entries name trusted networks whose clients may submit mail
// without authenticating. Client-side entries are ignored.
type Secrets struct {
	path    string
	users   map[string]secret
	trusted []trustedNetwork
}

// ReadSecrets loads a secrets file.
func ReadSecrets(path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := ParseSecrets(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.path = path
	log.LogInfo("Loaded %d secrets and %d trusted networks from %s", len(s.users), len(s.trusted), path)
	return s, nil
}

// ParseSecrets parses secrets file content.
func ParseSecrets(r io.Reader) (*Secrets, error) {
	s := &Secrets{users: make(map[string]secret)}

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("line %d: expected 4 fields, got %d", lineno, len(fields))
		}
		side, encoding, id, value := strings.ToLower(fields[0]), strings.ToLower(fields[1]), fields[2], fields[3]
		if side != "server" {
			continue
		}

		switch encoding {
		case encodingPlain, encodingBcrypt:
			if encoding == encodingBcrypt {
				if _, err := bcrypt.Cost([]byte(value)); err != nil {
					return nil, fmt.Errorf("line %d: %w", lineno, err)
				}
			}
			if _, dup := s.users[id]; dup {
				return nil, fmt.Errorf("line %d: duplicate user %q", lineno, id)
			}
			s.users[id] = secret{encoding: encoding, value: value}
		case encodingNone:
			network, err := parseNetwork(id)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
			s.trusted = append(s.trusted, trustedNetwork{network: network, name: value})
		default:
			return nil, fmt.Errorf("line %d: unknown encoding %q", lineno, fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseNetwork(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, network, err := net.ParseCIDR(s)
	return network, err
}

// Path returns the file the secrets were read from.
func (s *Secrets) Path() string {
	return s.path
}

// Valid reports whether there is anything to authenticate against.
func (s *Secrets) Valid() bool {
	return s != nil && len(s.users) > 0
}

// Check verifies a user's password.
func (s *Secrets) Check(user, password string) bool {
	if s == nil {
		return false
	}
	sec, ok := s.users[user]
	if !ok {
		return false
	}
	switch sec.encoding {
	case encodingBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(sec.value), []byte(password)) == nil
	default:
		return sec.value == password
	}
}

// Trusted returns the name of the trusted network containing address.
func (s *Secrets) Trusted(address string) (string, bool) {
	if s == nil {
		return "", false
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return "", false
	}
	for _, t := range s.trusted {
		if t.network.Contains(ip) {
			return t.name, true
		}
	}
	return "", false
}
