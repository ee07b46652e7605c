package core

// Peer session lifecycle: greeting and version check, PID exchange, the
// opening chk handshake and the command processing loop, including the
// per-tick minting step for chain peers.

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type peerState int

const (
	stateInvalid peerState = iota
	stateInitiator
	stateResponder
	stateWaitingForGet
	stateWaitingForPut
)

type trustLevel int

const (
	trustNone trustLevel = iota
	trustNormal
)

// Session is a single peer connection. It owns its transport exclusively
// and runs on its own goroutine until the peer says bye, an error response
// is issued, the node shuts down or the socket dies.
type Session struct {
	node *Node
	tr   *Transport
	vars *SessionVars
	log  *logrus.Entry

	isLocal     bool
	isResponder bool

	ipAddr     string
	port       string
	blockchain string

	state peerState
	trust trustLevel

	hadUsage            bool
	lastIssuedWasPut    bool
	needsBlockchainInfo bool

	// Most recently announced chain-info file, copied aside so a matching
	// get can be served even if the store's copy has moved on.
	infoHash     string
	infoTempPath string

	priorPutHash string

	filesToGet []string
	filesToPut []string

	finished  bool
	captured  atomic.Bool
	condemned atomic.Bool

	newBlockWait    int
	newBlock        NewBlockInfo
	newBlockPwdHash string
}

// ConstructSession builds a session for the connection unless another
// session is already bound to the same IP (loopback exempted). A nil
// session with a nil error means the connection was declined.
func ConstructSession(node *Node, responder bool, conn net.Conn, addrSpec string) (*Session, error) {
	ip := addrSpec
	if pos := strings.IndexByte(ip, '='); pos >= 0 {
		ip = ip[:pos]
	}
	if ip != "127.0.0.1" && node.reg.HasSessionWithAddr(ip) {
		conn.Close()
		return nil, nil
	}
	return newPeerSession(node, conn, responder, addrSpec)
}

// newPeerSession parses the "ip[=chain[:port]]" spec, performs the PID
// exchange and registers the session against the peer cap.
func newPeerSession(node *Node, conn net.Conn, responder bool, addrSpec string) (*Session, error) {
	ipAddr := addrSpec
	blockchain := ""
	port := ""
	if pos := strings.IndexByte(addrSpec, '='); pos >= 0 {
		ipAddr = addrSpec[:pos]
		blockchain = addrSpec[pos+1:]
	}
	if pos := strings.IndexByte(blockchain, ':'); pos >= 0 {
		port = blockchain[pos+1:]
		blockchain = blockchain[:pos]
	}

	if blockchain != "" && !node.store.HasTag("c"+blockchain) {
		conn.Close()
		return nil, fmt.Errorf("no blockchain metadata file tag 'c%s' was found", blockchain)
	}

	s := &Session{
		node:        node,
		tr:          NewTransport(conn),
		isLocal:     ipAddr == "127.0.0.1",
		isResponder: responder,
		ipAddr:      ipAddr,
		port:        port,
		blockchain:  blockchain,
	}
	if responder {
		s.state = stateResponder
	} else {
		s.state = stateInitiator
	}
	s.lastIssuedWasPut = !responder
	s.needsBlockchainInfo = !responder && blockchain != ""
	s.log = node.log.WithFields(logrus.Fields{"peer": ipAddr, "blockchain": blockchain})

	// A dummy PID line keeps the session compatible with the generic
	// client; it may carry a peer identity in the future.
	if !responder {
		if err := s.tr.WriteLine("peer", pidTimeout); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		if _, err := s.tr.ReadLine(pidTimeout, maxLineLength); err != nil {
			conn.Close()
			return nil, err
		}
	}

	vars, err := node.reg.RegisterSession(ipAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.vars = vars
	node.metrics.ActivePeers.Inc()
	return s, nil
}

// Start runs the session on its own goroutine.
func (s *Session) Start() {
	s.node.wg.Add(1)
	go func() {
		defer s.node.wg.Done()
		s.run()
	}()
}

// Condemn soft-kills the session: it finishes at its next loop boundary,
// preserving any captured work.
func (s *Session) Condemn() { s.condemned.Store(true) }

// Capture marks the session as executing work on behalf of another
// component; a captured session may only be condemned, never hard-killed.
func (s *Session) Capture() { s.captured.Store(true) }

// Release clears the captured mark.
func (s *Session) Release() { s.captured.Store(false) }

func (s *Session) killSession() {
	if !s.captured.Load() {
		s.finished = true
	} else if !s.condemned.Load() {
		s.condemned.Store(true)
	}
}

func (s *Session) run() {
	okay := false

	err := func() error {
		if s.isResponder {
			if err := s.tr.WriteLine(protocolVersion, greetingTimeout); err != nil {
				return err
			}
			if err := s.tr.WriteLine(responseOkay, greetingTimeout); err != nil {
				return err
			}
		} else {
			greeting, err := s.tr.ReadLine(greetingTimeout, maxLineLength)
			if err != nil {
				s.tr.Close()
				if errors.Is(err, ErrTimeout) {
					return errors.New("timeout occurred trying to connect to peer")
				}
				return err
			}
			if !versionCompatible(greeting) {
				s.tr.Close()
				return fmt.Errorf("incompatible protocol version %s (expecting %s)", greeting, protocolVersion)
			}
			okLine, err := s.tr.ReadLine(greetingTimeout, maxLineLength)
			if err != nil {
				s.tr.Close()
				return err
			}
			if okLine != responseOkay {
				s.tr.Close()
				return errors.New(okLine)
			}
		}

		value := "1"
		if s.blockchain != "" {
			value = s.blockchain
		}
		s.vars.Set(varPeer, value)
		if s.isResponder {
			s.vars.Set(varPeerResponder, value)
		} else {
			s.vars.Set(varPeerInitiator, value)
		}

		okay = true

		if !s.isResponder {
			hashOrTag := ""
			if s.blockchain != "" {
				hashOrTag = "c" + s.blockchain + ".head"
			} else {
				hashOrTag = hashBytes(helloData())
			}
			if err := s.tr.WriteLine(cmdChk+" "+hashOrTag, requestTimeout); err != nil {
				return err
			}
			if s.blockchain != "" {
				head, err := s.tr.ReadLine(requestTimeout, maxLineLength)
				if err != nil {
					okay = false
				} else {
					s.vars.Set(varBlockchainHead, head)
				}
			}
			s.state = stateWaitingForPut
		}

		if okay {
			role := "(as initiator)"
			if s.isResponder {
				role = "(as responder)"
			}
			s.log.Debugf("started peer session %s", role)

			if err := s.processCommands(); err != nil {
				return err
			}
		}

		s.tr.Close()
		return nil
	}()

	if err != nil {
		s.node.issueError(err.Error())
		s.tr.WriteLine(responseErrorPrefix+err.Error(), requestTimeout)
		s.tr.Close()
	}

	s.cleanup()

	if !s.isResponder && s.blockchain != "" && !s.node.IsShuttingDown() {
		addr := s.ipAddr
		if s.port != "" {
			addr += "!" + s.port
		}
		if okay {
			s.node.reg.AddGoodPeer(addr, s.blockchain)
		} else if s.node.reg.WasGoodPeer(addr, s.blockchain) {
			okay = true
		}
		if okay {
			s.node.reg.AddPeerToRetry(addr, s.blockchain)
		}
	}
}

func (s *Session) cleanup() {
	if s.infoTempPath != "" {
		removeFile(s.infoTempPath)
		s.infoTempPath = ""
	}
	s.node.reg.DeregisterSession(s.vars)
	s.node.metrics.ActivePeers.Dec()
	if s.blockchain == "" {
		s.log.Debug("finished peer session")
	} else {
		s.log.Debugf("finished peer session for blockchain %s", s.blockchain)
	}
}

func (s *Session) processCommands() error {
	for !s.finished {
		req, err := s.getCmdAndArgs()
		if err != nil {
			return err
		}
		if err := s.executeCommand(req); err != nil {
			return err
		}
	}
	return nil
}

// getCmdAndArgs blocks until the next request line arrives, interleaving
// the minting tick, the initiator's turn-taking and the zombie policy.
func (s *Session) getCmdAndArgs() (string, error) {
	for {
		if !s.node.IsShuttingDown() && !s.condemned.Load() {
			s.mintingTick()
		}

		if !s.isResponder && !s.node.IsShuttingDown() && !s.condemned.Load() {
			if s.state == stateWaitingForPut {
				line, err := s.tr.ReadLine(requestTimeout, 0)
				if err != nil {
					return cmdBye, nil
				}
				if line == responseNotFound && s.trust == trustNone && s.blockchain == "" {
					// First contact: the responder lacked the hello blob and
					// is staging the bidirectional hello exchange.
					if err := s.helloHandshakeInitiator(); err != nil {
						return "", err
					}
					continue
				}
				if line != responseOkay {
					return cmdBye, nil
				}
				if err := s.issueCmdForPeer(); err != nil {
					return "", err
				}
			}
		}

		req, err := s.tr.ReadLine(requestTimeout, maxLineLength)
		if err != nil {
			if !s.captured.Load() &&
				(s.condemned.Load() || s.node.IsShuttingDown() || !s.tr.HadTimeout()) {
				// An uncaptured session that has been condemned, observed a
				// shutdown, or lost its socket forces a "bye".
				return cmdBye, nil
			}

			// A dead socket makes the read return instantly, so a captured
			// session sleeps manually to avoid spinning.
			if s.captured.Load() && !s.tr.HadTimeout() {
				time.Sleep(requestTimeout)
				continue
			}

			if !s.isLocal || !s.tr.HadTimeout() {
				// Zombies are not allowed to hang around unless local.
				return cmdBye, nil
			}
			continue
		}

		if req != cmdBye {
			time.Sleep(requestThrottleSleepTime)
		}
		if req == responseOkay || req == responseOkayMore {
			req = cmdBye
		}
		return req, nil
	}
}

// helloHandshakeInitiator completes the initiator half of the first-contact
// hello exchange: receive the responder's hello blob, validate it bytewise
// and push the same blob back.
func (s *Session) helloHandshakeInitiator() error {
	line, err := s.tr.ReadLine(requestTimeout, maxLineLength)
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != cmdPut {
		return fmt.Errorf("unexpected response during hello exchange: %s", line)
	}
	hash := fields[1]

	tmp := s.node.store.TempFileName()
	defer removeFile(tmp)
	if err := s.tr.StoreTempFile(tmp); err != nil {
		return err
	}
	data, err := readFile(tmp)
	if err != nil {
		return err
	}
	if hashBytes(data) != hash || string(data) != string(helloData()) {
		return errors.New("invalid hello exchange content")
	}
	if !s.node.store.HasFile(hash, false) {
		if _, err := s.node.store.CreateRawFile(data); err != nil {
			return err
		}
	}
	if err := s.tr.FetchFile(s.node.store, hash); err != nil {
		return err
	}
	s.node.metrics.fileDownloaded(int64(len(data)))
	s.node.metrics.fileUploaded(int64(len(data)))

	s.trust = trustNormal
	s.state = stateWaitingForPut
	return nil
}

// mintingTick advances the chain's minting state by one pass. Failures are
// non-fatal: the candidate is dropped and minting retries next tick.
func (s *Session) mintingTick() {
	blockchain := s.blockchain
	reg := s.node.reg
	v := s.node.verifier

	// A better block at the candidate's height, a better previous block
	// than the one it links to, or a released minting account all drop the
	// candidate; a fresh one is minted on a later tick.
	if s.newBlockPwdHash != "" &&
		(v.HasBetterBlock(blockchain, s.newBlock.Height, s.newBlock.Weight) ||
			reg.WasReleased(blockchain) ||
			(s.newBlock.Height > 1 &&
				v.HasBetterBlock(blockchain, s.newBlock.Height-1, s.newBlock.PreviousBlockWeight))) {
		s.newBlockPwdHash = ""
		return
	}

	if s.newBlockPwdHash != "" {
		if !s.newBlock.CanMint {
			s.newBlockPwdHash = ""
		} else if s.newBlockWait > 0 {
			s.newBlockWait--
		} else {
			pwdHash := s.newBlockPwdHash
			s.newBlockPwdHash = ""

			if !v.HasBetterBlock(blockchain, s.newBlock.Height, s.newBlock.Weight) &&
				!reg.AnyHasVariable(varSynchronising, blockchain) {
				if err := s.node.StoreNewBlock(blockchain, pwdHash, s.vars); err != nil {
					s.node.issueWarning("store new block: " + err.Error())
				}
			}
		}
	} else if blockchain != "" &&
		reg.IsFirstUsingVariable(s.vars, varPeer, blockchain) &&
		!reg.AnyHasVariable(varSynchronising, blockchain) {
		_, info, pwdHash, err := s.node.MintNewBlock(blockchain, "")
		if err != nil {
			s.node.issueWarning("mint new block: " + err.Error())
			return
		}
		s.newBlock = info
		s.newBlockPwdHash = pwdHash
		s.newBlockWait = minBlockWaitPasses * info.Range
	}
}

func versionCompatible(greeting string) bool {
	parts := strings.SplitN(strings.TrimSpace(greeting), ".", 2)
	if len(parts) != 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return major == protocolMajorVersion && minor >= protocolMinorVersion
}
