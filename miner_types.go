package main

import (
	"bufio"
	"crypto/rand"
	"net"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type StratumRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type StratumResponse struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// StratumMessage is a server-initiated notification or request.
type StratumMessage struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// mmAuth is the upstream credential pair a miner supplied for one
// auxiliary chain in its authorize password.
type mmAuth struct {
	username string
	password string
}

// mmWorkBundle is an outstanding set of auxiliary work commitments, keyed
// in the session by the merkle-map root that was embedded in delivered
// work. Shares returning with that root are checked against every entry.
type mmWorkBundle struct {
	created int64 // unix milliseconds
	work    map[chainhash.Hash]AuxWork
}

// secondStageRef identifies the second-stage work a miner was last put on,
// used to suppress redundant notifies.
type secondStageRef struct {
	chainID  chainhash.Hash
	prevHash chainhash.Hash
}

// StratumClient is the per-connection session state. Every field below the
// transport block is guarded by the server-wide cs_stratum mutex; the
// transport fields are owned by the connection's read goroutine and the
// write mutex.
type StratumClient struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	peer    string
	nextID  int

	closeOnce sync.Once

	// secret seeds the extranonce1 derivation for this session.
	secret [32]byte

	clientName string

	authorized   bool
	addr         btcutil.Address
	payoutScript []byte

	mmauth map[chainhash.Hash]mmAuth
	mmwork map[chainhash.Hash]mmWorkBundle

	mindiff float64

	versionRollingMask uint32

	lastTip         chainhash.Hash
	haveLastTip     bool
	lastSecondStage *secondStageRef

	sendWork           bool
	supportsExtranonce bool
}

func newStratumClient(conn net.Conn) *StratumClient {
	c := &StratumClient{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxStratumMessageSize),
		mmauth: make(map[chainhash.Hash]mmAuth),
		mmwork: make(map[chainhash.Hash]mmWorkBundle),
	}
	if conn != nil {
		c.peer = conn.RemoteAddr().String()
	}
	if _, err := rand.Read(c.secret[:]); err != nil {
		// Only reachable if the OS entropy source is broken; a session
		// without a secret would hand every miner the same nonce space.
		panic(err)
	}
	return c
}

// extraNonce1 derives the 8-byte extranonce1 for a job. Sessions that have
// not subscribed to extranonce updates get a job-independent value so their
// nonce space is stable across notifies; subscribed sessions get a fresh
// space per job.
func (c *StratumClient) extraNonce1(jobID chainhash.Hash) []byte {
	var buf [64]byte
	n := copy(buf[:], c.secret[:])
	if c.supportsExtranonce {
		n += copy(buf[n:], jobID[:])
	}
	sum := sha256Sum(buf[:n])
	out := make([]byte, extranonce1Size)
	copy(out, sum[:extranonce1Size])
	return out
}

// nextMessageID returns a fresh id for a server-initiated frame.
func (c *StratumClient) nextMessageID() int {
	id := c.nextID
	c.nextID++
	return id
}

func (c *StratumClient) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
