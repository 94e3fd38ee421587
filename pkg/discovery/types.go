package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Service constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of PV gateways.
	ServiceType = "_pvgw._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default gateway port.
	DefaultPort = 5080

	// ProtocolVersion is advertised in the ver TXT key.
	ProtocolVersion = 1
)

// TXT record keys.
const (
	TXTKeyVersion   = "ver"
	TXTKeyTLS       = "tls"
	TXTKeyProviders = "prov"
	TXTKeyPVCount   = "pvs"
)

// Timing constants.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second

	// DefaultTTL is the DNS record TTL of advertisements.
	DefaultTTL = 120 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// MaxTXTRecordSize is the maximum total TXT record size.
	MaxTXTRecordSize = 400
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrEmptyInstanceName   = errors.New("empty instance name")
	ErrNotFound            = errors.New("gateway not found")
	ErrNotAdvertising      = errors.New("not advertising")
	ErrNoAddress           = errors.New("gateway has no address")
)

// GatewayInfo is what a gateway advertises.
type GatewayInfo struct {
	// Name is the instance name.
	Name string

	// Port defaults to DefaultPort.
	Port uint16

	TLS bool

	// Version is the protocol version (0 means ProtocolVersion).
	Version int

	// Providers lists the upstream PV providers behind the gateway.
	Providers []string

	// PVCount is the number of PVs served, 0 if unknown.
	PVCount int
}

// GatewayService is a gateway found by browsing.
type GatewayService struct {
	InstanceName string
	Host         string
	Port         uint16

	// Addresses are the IPv4 and IPv6 addresses of all interfaces the
	// service was seen on.
	Addresses []string

	TLS       bool
	Version   int
	Providers []string
	PVCount   int
}

// Address returns host:port for dialing the gateway, preferring the first
// resolved address over the host name.
func (s *GatewayService) Address() (string, error) {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	if host == "" {
		return "", ErrNoAddress
	}
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// ManagerState is the advertising state of a Manager.
type ManagerState uint8

const (
	StateStopped ManagerState = iota
	StateAdvertising
)

// String returns the state name.
func (s ManagerState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateAdvertising:
		return "ADVERTISING"
	default:
		return "UNKNOWN"
	}
}
