package core

// Command dispatch and the per-connection state machine. Responses follow a
// two-phase pattern: the substantive payload goes out nagle-delayed, then
// the responder appends a no-delay terminal okay line that gates the
// initiator's next turn.

import (
	"errors"
	"fmt"
	"strings"
)

var commandUsage = []string{
	"chk <tag-or-hash> [<nonce>]",
	"get <tag-or-hash>",
	"put <hash>",
	"pip <ip-address>",
	"tls",
	"bye",
}

// issueCommandResponse writes a response line (if any). Special responses
// stand alone; otherwise a responder appends the terminal okay.
func (s *Session) issueCommandResponse(response string, special bool) error {
	if response != "" {
		if special {
			if err := s.tr.SetNoDelay(); err != nil {
				s.node.issueWarning("socket set_no_delay failure")
			}
		}
		if err := s.tr.WriteLine(response, requestTimeout); err != nil {
			return err
		}
	}
	if !special && s.isResponder {
		if err := s.tr.SetNoDelay(); err != nil {
			s.node.issueWarning("socket set_no_delay failure")
		}
		return s.tr.WriteLine(responseOkay, requestTimeout)
	}
	return nil
}

// preprocess applies the invalid-state override and the once-only usage
// output for "help" and "?".
func (s *Session) preprocess(cmdAndArgs string) (string, error) {
	str := cmdAndArgs
	if s.state == stateInvalid {
		str = cmdBye
	}
	if str == "" {
		return "", nil
	}

	pos := strings.IndexByte(str, ' ')
	first := str
	if pos >= 0 {
		first = str[:pos]
	}
	if first == "?" || first == cmdHelp {
		if !s.hadUsage {
			s.hadUsage = true
			pattern := ""
			if pos >= 0 {
				pattern = str[pos+1:]
			}
			if err := s.outputCommandUsage(pattern); err != nil {
				return "", err
			}
			return "", nil
		}
		str = cmdBye
	}
	return str, nil
}

func (s *Session) outputCommandUsage(pattern string) error {
	if err := s.tr.SetDelay(); err != nil {
		s.node.issueWarning("socket set_delay failure")
	}
	cmds := "commands:"
	if pattern != "" {
		cmds += " " + pattern
	}
	if err := s.tr.WriteLine(cmds, requestTimeout); err != nil {
		return err
	}
	if err := s.tr.WriteLine("=========", requestTimeout); err != nil {
		return err
	}
	for _, usage := range commandUsage {
		if pattern != "" && !strings.HasPrefix(usage, strings.TrimSuffix(pattern, "*")) {
			continue
		}
		if err := s.tr.WriteLine(usage, requestTimeout); err != nil {
			return err
		}
	}
	if err := s.tr.SetNoDelay(); err != nil {
		s.node.issueWarning("socket set_no_delay failure")
	}
	return s.tr.WriteLine(responseOkay, requestTimeout)
}

// executeCommand dispatches one request line. Protocol violations and other
// handler failures produce an "(error)" response and move the session to the
// invalid state; failures reading the peer's okay and errors from the
// initiator's follow-up turn propagate.
func (s *Session) executeCommand(cmdAndArgs string) error {
	cmdAndArgs, err := s.preprocess(cmdAndArgs)
	if err != nil {
		return err
	}
	if cmdAndArgs == "" {
		return nil
	}

	fields := strings.Fields(cmdAndArgs)
	cmd := fields[0]
	args := fields[1:]

	if cmd == cmdBye {
		s.killSession()
		return nil
	}

	if err := s.tr.SetDelay(); err != nil {
		s.node.issueWarning("socket set_delay failure")
	}

	var response string
	var cmdErr error

	switch cmd {
	case cmdChk:
		response, cmdErr = s.handleChk(args)
	case cmdGet:
		response, cmdErr = s.handleGet(args)
	case cmdPut:
		response, cmdErr = s.handlePut(args)
	case cmdPip:
		response, cmdErr = s.handlePip(args)
	case cmdTLS:
		cmdErr = s.handleTLS(args)
	default:
		s.tr.WriteLine(responseErrorPrefix+"unknown command '"+cmd+"'", requestTimeout)
		s.killSession()
		return nil
	}

	sendOkay := true
	if cmdErr != nil {
		s.node.issueError(cmdErr.Error())
		sendOkay = false
		response = responseErrorPrefix + cmdErr.Error()
		s.state = stateInvalid
	}

	if err := s.issueCommandResponse(response, !sendOkay); err != nil {
		s.killSession()
		return nil
	}

	if !sendOkay {
		s.killSession()
		return nil
	}

	if !s.isResponder && !s.node.IsShuttingDown() && !s.condemned.Load() &&
		s.state == stateWaitingForGet {
		line, err := s.tr.ReadLine(requestTimeout, 0)
		if err != nil {
			s.tr.Close()
			return err
		}
		if line != responseOkay {
			s.tr.Close()
			return errors.New("unexpected non-okay response from peer")
		}
		return s.issueCmdForPeer()
	}
	return nil
}

func (s *Session) handleChk(args []string) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", newProtocolError("invalid command usage 'chk'")
	}
	tagOrHash := args[0]
	nonce := ""
	if len(args) == 2 {
		nonce = args[1]
	}

	if s.state != stateResponder && s.state != stateWaitingForGet && s.state != stateWaitingForPut {
		return "", newProtocolError("invalid state for chk")
	}

	store := s.node.store

	response := ""
	hash := tagOrHash
	if store.HasTag(tagOrHash) {
		tagged, err := store.TagFileHash(tagOrHash)
		if err != nil {
			return "", err
		}
		hash = tagged
		response = tagged
	}

	has := store.HasFile(hash, false)
	wasInitialState := s.state == stateResponder

	if !has {
		response = responseNotFound

		if wasInitialState {
			if s.blockchain != "" {
				s.state = stateInvalid
			} else {
				if err := s.helloHandshakeResponder(response); err != nil {
					return "", err
				}
				response = ""
			}
		}
	} else {
		if nonce != "" {
			content, err := store.ExtractFile(hash)
			if err != nil {
				return "", err
			}
			response = hashWithNonce(content, nonce)
		}

		if wasInitialState {
			s.state = stateWaitingForGet

			if s.blockchain != "" {
				tags := splitLines(store.GetHashTags(hash))
				want := "c" + s.blockchain + ".head"
				found := false
				for _, tag := range tags {
					if tag == want {
						found = true
						break
					}
				}
				if !found {
					return "", fmt.Errorf("blockchain %s was not found", s.blockchain)
				}
			}
		}
	}

	// Snapshot the announced chain-info file so a subsequent matching get
	// is served from a stable copy even if the file mutates meanwhile.
	if has && s.blockchain != "" && tagOrHash == "c"+s.blockchain+".info" {
		if s.infoTempPath != "" {
			removeFile(s.infoTempPath)
		}
		s.infoHash = hash
		s.infoTempPath = store.TempFileName()
		if err := store.CopyRawFile(hash, s.infoTempPath); err != nil {
			s.infoHash = ""
			s.infoTempPath = ""
			return "", err
		}
	}

	if !wasInitialState && s.isResponder {
		if err := s.issueCommandResponse(response, true); err != nil {
			return "", err
		}
		response = ""
		if err := s.issueCmdForPeer(); err != nil {
			return "", err
		}
	}
	return response, nil
}

// helloHandshakeResponder runs the responder half of the first-contact
// hello exchange: announce "(none)", push the hello blob, then require the
// initiator to push the identical blob back.
func (s *Session) helloHandshakeResponder(response string) error {
	if err := s.issueCommandResponse(response, true); err != nil {
		return err
	}

	data := helloData()
	tempHash := hashBytes(data)
	if !s.node.store.HasFile(tempHash, false) {
		if _, err := s.node.store.CreateRawFile(data); err != nil {
			return err
		}
	}

	if err := s.issueCommandResponse(cmdPut+" "+tempHash, true); err != nil {
		return err
	}
	if err := s.tr.FetchFile(s.node.store, tempHash); err != nil {
		return err
	}

	tmp := s.node.store.TempFileName()
	defer removeFile(tmp)
	if err := s.tr.StoreTempFile(tmp); err != nil {
		return err
	}
	received, err := readFile(tmp)
	if err != nil {
		return err
	}

	if string(received) != string(data) {
		s.state = stateInvalid
	} else {
		s.state = stateWaitingForGet
		s.trust = trustNormal
	}

	s.node.metrics.fileUploaded(int64(len(data)))
	s.node.metrics.fileDownloaded(int64(len(data)))
	return nil
}

func (s *Session) handleGet(args []string) (string, error) {
	if len(args) != 1 {
		return "", newProtocolError("invalid command usage 'get'")
	}
	tagOrHash := args[0]

	if s.state != stateWaitingForGet {
		return "", newProtocolError("invalid state for get")
	}

	store := s.node.store
	hash := tagOrHash
	if store.HasTag(tagOrHash) {
		tagged, err := store.TagFileHash(tagOrHash)
		if err != nil {
			return "", err
		}
		hash = tagged
	}

	if hash != s.infoHash || s.infoTempPath == "" {
		if err := s.tr.FetchFile(store, hash); err != nil {
			return "", err
		}
		if size, err := store.FileBytes(hash); err == nil {
			s.node.metrics.fileUploaded(size)
		}
	} else {
		s.infoHash = ""

		if err := s.tr.FetchTempFile(s.infoTempPath); err != nil {
			return "", err
		}
		if data, err := readFile(s.infoTempPath); err == nil {
			s.node.metrics.fileUploaded(int64(len(data)))
		}
		removeFile(s.infoTempPath)
		s.infoTempPath = ""
	}

	s.state = stateWaitingForPut

	if s.isResponder {
		if err := s.issueCommandResponse("", true); err != nil {
			return "", err
		}
		if err := s.issueCmdForPeer(); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (s *Session) handlePut(args []string) (string, error) {
	if len(args) != 1 {
		return "", newProtocolError("invalid command usage 'put'")
	}
	hash := args[0]

	if s.state != stateWaitingForPut {
		return "", newProtocolError("invalid state for put")
	}

	store := s.node.store
	if !store.HasFile(hash, false) {
		if err := s.tr.StoreFile(store, hash); err != nil {
			return "", err
		}
	} else {
		tmp := store.TempFileName()
		err := s.tr.StoreTempFile(tmp)
		removeFile(tmp)
		if err != nil {
			return "", err
		}
	}

	if size, err := store.FileBytes(hash); err == nil {
		s.node.metrics.fileDownloaded(size)
	}

	s.state = stateWaitingForGet

	if s.isResponder {
		if err := s.issueCommandResponse("", true); err != nil {
			return "", err
		}
		if err := s.issueCmdForPeer(); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (s *Session) handlePip(args []string) (string, error) {
	if len(args) != 1 {
		return "", newProtocolError("invalid command usage 'pip'")
	}

	// FUTURE: should return an actual peer IP address.
	response := "127.0.0.1"

	if s.state != stateWaitingForGet && s.state != stateWaitingForPut {
		return "", newProtocolError("invalid state for pip")
	}

	if s.isResponder {
		if err := s.issueCommandResponse(response, true); err != nil {
			return "", err
		}
		if err := s.issueCmdForPeer(); err != nil {
			return "", err
		}
		return "", nil
	}
	return response, nil
}

func (s *Session) handleTLS(args []string) error {
	if len(args) != 0 {
		return newProtocolError("invalid command usage 'tls'")
	}
	if s.state != stateResponder {
		return newProtocolError("invalid state for tls")
	}
	if s.tr.IsSecure() {
		return errors.New("TLS is already active")
	}
	if s.node.cfg.TLS == nil {
		return errors.New("TLS has not been initialised")
	}
	if err := s.tr.UpgradeResponderTLS(s.node.cfg.TLS); err != nil {
		return err
	}
	s.state = stateWaitingForGet
	return nil
}
