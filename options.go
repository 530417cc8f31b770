package btltipc

import "time"

// Options configures a Component. Field names follow spec.md's configuration
// surface (itself the Go rendering of the original MCA parameters), one
// field per row of that table, plus socket-family transport helpers
// (WithTCP/WithUnix) in the style of the teacher's WithReadTCP/WithWriteTCP.
type Options struct {
	// IfInclude is a comma-separated interface whitelist. Mutually exclusive
	// with IfExclude; if both are set, IfInclude wins and IfExclude is ignored.
	IfInclude string
	// IfExclude is a comma-separated interface blacklist.
	IfExclude string

	// PortMin/PortRange restrict listening-port selection to
	// [PortMin, PortMin+PortRange). Zero PortRange means "any free port".
	PortMin   int
	PortRange int

	// SndBuf/RcvBuf set SO_SNDBUF/SO_RCVBUF on every module's listening
	// socket and every endpoint's connected socket. Zero leaves the kernel
	// default in place.
	SndBuf int
	RcvBuf int

	// FreeListNum/Max/Inc size each of the three fragment free lists
	// (eager, max, user). Max<=0 means unbounded growth.
	FreeListNum int
	FreeListMax int
	FreeListInc int

	// EndpointCache sets the per-endpoint prefetch cache size in bytes; 0
	// disables the cache.
	EndpointCache int

	// NotUseNodelay, if true, leaves Nagle's algorithm enabled (the default
	// disables it, i.e. sets TCP_NODELAY).
	NotUseNodelay bool

	// EnableProgressThread spawns the dedicated progress thread at
	// Component bring-up instead of relying on the caller to pump Progress.
	EnableProgressThread bool

	// DisableFamily names an address family (AF_INET, AF_INET6, AF_UNIX).
	// It is stored but not consulted: no module or endpoint refuses a socket
	// because of it.
	DisableFamily int

	// ReportUnfoundInterfaces warns, during NewComponent's interface
	// discovery, about every name in IfInclude/IfExclude that did not match a
	// discovered local interface.
	ReportUnfoundInterfaces bool

	// HandshakeTimeout bounds the one suspension point spec.md's concurrency
	// model permits outside the progress engine: the blocking handshake
	// send/recv performed right after connect/accept.
	HandshakeTimeout time.Duration

	netKind netKind
	unixDir string
}

// defaultOptions mirrors the teacher's defaultOptions var: a package-level
// value applied before functional options run.
var defaultOptions = Options{
	PortMin:          0,
	PortRange:        0,
	FreeListNum:      8,
	FreeListMax:      0,
	FreeListInc:      8,
	EndpointCache:    0,
	HandshakeTimeout: 2 * time.Second,
}

// Option configures Options, following the teacher's closure-over-struct
// functional option pattern.
type Option func(*Options)

func WithIfInclude(list string) Option { return func(o *Options) { o.IfInclude = list } }
func WithIfExclude(list string) Option { return func(o *Options) { o.IfExclude = list } }

func WithPortRange(min, rng int) Option {
	return func(o *Options) { o.PortMin = min; o.PortRange = rng }
}

func WithBuffers(sndbuf, rcvbuf int) Option {
	return func(o *Options) { o.SndBuf = sndbuf; o.RcvBuf = rcvbuf }
}

func WithFreeList(num, max, inc int) Option {
	return func(o *Options) { o.FreeListNum = num; o.FreeListMax = max; o.FreeListInc = inc }
}

func WithEndpointCache(size int) Option { return func(o *Options) { o.EndpointCache = size } }

func WithNodelayDisabled() Option { return func(o *Options) { o.NotUseNodelay = true } }

func WithProgressThread() Option { return func(o *Options) { o.EnableProgressThread = true } }

func WithDisableFamily(family int) Option { return func(o *Options) { o.DisableFamily = family } }

func WithReportUnfoundInterfaces() Option {
	return func(o *Options) { o.ReportUnfoundInterfaces = true }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

// netKind selects the concrete socket family a Module listens/dials on.
// Transport-agnostic by design (spec.md §1): the original targets TIPC, this
// module defaults to TCP, and a Unix-domain variant is provided for
// same-host testing without network permissions.
type netKind uint8

const (
	netTCP netKind = iota
	netUnix
)

// WithTCP selects TCP/IPv4 sockets (the default), in the style of the
// teacher's WithReadTCP/WithWriteTCP network-option helpers.
func WithTCP() Option { return func(o *Options) { o.netKind = netTCP } }

// WithUnix selects Unix-domain stream sockets, bound under dir.
func WithUnix(dir string) Option {
	return func(o *Options) { o.netKind = netUnix; o.unixDir = dir }
}
