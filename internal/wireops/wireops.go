// Package wireops defines the ops exchanged between a chunk server and the
// metadata server: HELLO, authentication, heartbeat, and corrupt-chunk
// notification (spec.md §4.5, §6).
package wireops

// Base carries the fields common to every op: its wire sequence number, the
// connection generation it was accepted under (spec.md §3 "generation"),
// and its terminal status once completed.
type Base struct {
	seq        int64
	generation uint64
	noReply    bool

	Status    int
	StatusMsg string
}

func (b *Base) Seq() int64            { return b.seq }
func (b *Base) SetSeq(seq int64)      { b.seq = seq }
func (b *Base) Generation() uint64    { return b.generation }
func (b *Base) SetGeneration(g uint64) { b.generation = g }
func (b *Base) NoReply() bool         { return b.noReply }

// Op is the common interface every dispatched op implements.
type Op interface {
	Seq() int64
	SetSeq(int64)
	Generation() uint64
	SetGeneration(uint64)
	NoReply() bool
	Name() string
	Complete(status int, msg string)
}

// HelloOp is the two-step inventory-synchronization handshake
// (spec.md §4.5 "hello").
type HelloOp struct {
	Base

	ClusterKey    string
	MetaMd5       string
	ChunkServerIP string
	ChunkPort     int
	TotalSpace    int64
	UsedSpace     int64
	NumChunks     int
	NoFids        bool

	// Resume: <0 disable, 0 first-time, >0 resume from the given step.
	Resume int

	// LostChunkDirs is drained from the response on success; the state
	// machine synthesizes a CorruptChunkOp per entry.
	LostChunkDirs []string

	done func(*HelloOp)
}

func (h *HelloOp) Name() string { return "HELLO" }
func (h *HelloOp) Complete(status int, msg string) {
	h.Status, h.StatusMsg = status, msg
	if h.done != nil {
		h.done(h)
	}
}

// OnComplete registers the completion callback (test/state-machine hook).
func (h *HelloOp) OnComplete(f func(*HelloOp)) { h.done = f }

// AuthenticateOp requests an authentication exchange for one of the bitmap
// schemes negotiated in ConnConfig.Auth.AuthType.
type AuthenticateOp struct {
	Base

	AuthType     string
	RequestBlob  []byte
	ChosenType   string
	ResponseBlob []byte

	done func(*AuthenticateOp)
}

func (a *AuthenticateOp) Name() string { return "AUTHENTICATE" }
func (a *AuthenticateOp) Complete(status int, msg string) {
	a.Status, a.StatusMsg = status, msg
	if a.done != nil {
		a.done(a)
	}
}
func (a *AuthenticateOp) OnComplete(f func(*AuthenticateOp)) { a.done = f }

// HeartbeatOp is server-originated (spec.md §4.5 "HandleCmd"): the state
// machine never dispatches it, it only answers one it receives.
type HeartbeatOp struct {
	Base

	AuthenticateFlag bool
	MaxPendingOps    int

	// KeyID/NeedCurrentKey implement the SPEC_FULL.md heartbeat payload
	// supplement: the connection echoes its current crypto key on the next
	// heartbeat response only when the key id changed since the last one.
	KeyID          string
	NeedCurrentKey bool
}

func (h *HeartbeatOp) Name() string             { return "HEARTBEAT" }
func (h *HeartbeatOp) Complete(status int, msg string) { h.Status, h.StatusMsg = status, msg }

// CorruptChunkOp is synthesized once per entry of a HELLO response's
// LostChunkDirs (spec.md §4.5). It never expects a reply.
type CorruptChunkOp struct {
	Base

	DirName string
}

func NewCorruptChunkOp(dir string, generation uint64) *CorruptChunkOp {
	op := &CorruptChunkOp{DirName: dir}
	op.SetGeneration(generation)
	op.Base.noReply = true
	return op
}

func (c *CorruptChunkOp) Name() string                     { return "CORRUPT_CHUNK" }
func (c *CorruptChunkOp) Complete(status int, msg string) { c.Status, c.StatusMsg = status, msg }
