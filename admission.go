package quic

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/zys-contribs/quic/internal/handshake"
	"github.com/zys-contribs/quic/internal/protocol"
)

// statelessResetRate bounds the socket-wide stateless reset emission rate,
// on top of the per-host cap.
const (
	statelessResetRate  = rate.Limit(100)
	statelessResetBurst = 20
)

// refusal reasons, used as metric labels and for logging
const (
	refusalBusy        = "busy"
	refusalMaxConns    = "max_connections"
	refusalPerHost     = "max_connections_per_host"
	refusalTokenFailed = "invalid_token"
)

// serverAdmission decides whether the socket commits state for a new
// remote: retry-token address validation, per-host and total connection
// caps, and the stateless reset budget.
type serverAdmission struct {
	mutex sync.Mutex

	validateAddress   bool
	validated         *lru.Cache[string, time.Time] // nil when the LRU option is off
	tokenGen          *handshake.TokenGenerator
	retryTokenTimeout time.Duration

	maxConnections        int
	maxConnectionsPerHost int
	maxResetsPerHost      int

	numSessions int
	perHost     map[string]int
	resetCounts map[string]int

	resetLimiter *rate.Limiter

	addressValidations uint64
}

func newServerAdmission(cfg *SocketConfig) (*serverAdmission, error) {
	a := &serverAdmission{
		validateAddress:       cfg.ValidateAddress,
		tokenGen:              handshake.NewTokenGenerator(cfg.TokenKey),
		retryTokenTimeout:     cfg.RetryTokenTimeout,
		maxConnections:        cfg.MaxConnections,
		maxConnectionsPerHost: cfg.MaxConnectionsPerHost,
		maxResetsPerHost:      cfg.MaxStatelessResetsPerHost,
		perHost:               make(map[string]int),
		resetCounts:           make(map[string]int),
		resetLimiter:          rate.NewLimiter(statelessResetRate, statelessResetBurst),
	}
	if a.retryTokenTimeout == 0 {
		a.retryTokenTimeout = protocol.DefaultRetryTokenTimeout
	}
	if cfg.ValidatedAddressLRUSize > 0 {
		cache, err := lru.New[string, time.Time](cfg.ValidatedAddressLRUSize)
		if err != nil {
			return nil, err
		}
		a.validated = cache
	}
	return a, nil
}

// hostKey reduces a remote address to its per-host counter key.
func hostKey(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// needsRetry says if an Initial from this address must carry a token.
func (a *serverAdmission) needsRetry(raddr net.Addr) bool {
	if !a.validateAddress {
		return false
	}
	if a.validated == nil {
		return true
	}
	_, ok := a.validated.Get(hostKey(raddr))
	return !ok
}

// newRetryToken issues a bounded-lifetime token for the address.
func (a *serverAdmission) newRetryToken(raddr net.Addr, origDestConnID, retrySrcConnID ConnectionID) ([]byte, error) {
	return a.tokenGen.NewRetryToken(raddr, origDestConnID, retrySrcConnID)
}

// checkToken validates a Retry token from an Initial packet.
func (a *serverAdmission) checkToken(tokenBytes []byte, raddr net.Addr) (*handshake.Token, bool) {
	token, err := a.tokenGen.DecodeToken(tokenBytes)
	if err != nil || token == nil {
		return nil, false
	}
	if !token.IsRetryToken {
		return nil, false
	}
	if !token.ValidateRemoteAddr(raddr) {
		return nil, false
	}
	if time.Since(token.SentTime) > a.retryTokenTimeout {
		return nil, false
	}
	a.mutex.Lock()
	a.addressValidations++
	if a.validated != nil {
		a.validated.Add(hostKey(raddr), time.Now())
	}
	a.mutex.Unlock()
	return token, true
}

// admit checks the connection caps. It returns the refusal reason, or the
// empty string when the session may be accepted.
func (a *serverAdmission) admit(raddr net.Addr) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.maxConnections > 0 && a.numSessions >= a.maxConnections {
		return refusalMaxConns
	}
	if a.maxConnectionsPerHost > 0 && a.perHost[hostKey(raddr)] >= a.maxConnectionsPerHost {
		return refusalPerHost
	}
	return ""
}

func (a *serverAdmission) onSessionAdded(raddr net.Addr) {
	a.mutex.Lock()
	a.numSessions++
	a.perHost[hostKey(raddr)]++
	a.mutex.Unlock()
}

func (a *serverAdmission) onSessionRemoved(host string) {
	a.mutex.Lock()
	a.numSessions--
	if n := a.perHost[host]; n <= 1 {
		delete(a.perHost, host)
	} else {
		a.perHost[host] = n - 1
	}
	a.mutex.Unlock()
}

// allowStatelessReset accounts one stateless reset against the per-host
// cap and the socket-wide rate budget.
func (a *serverAdmission) allowStatelessReset(raddr net.Addr) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	host := hostKey(raddr)
	if a.maxResetsPerHost > 0 && a.resetCounts[host] >= a.maxResetsPerHost {
		return false
	}
	if !a.resetLimiter.Allow() {
		return false
	}
	a.resetCounts[host]++
	return true
}

// AddressValidations reports how many Retry tokens validated successfully.
func (a *serverAdmission) AddressValidations() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.addressValidations
}
