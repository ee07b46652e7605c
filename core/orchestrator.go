package core

// Per-session orchestration: after each acknowledged round-trip the session
// selects its next operation — a blockchain-info round, an integrity or
// peer probe, or a get/put alternation draining the session work queues.

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// randIntn is swappable so tests can pin the probe schedule.
var randIntn = rand.Intn

func (s *Session) topFileToGet() string {
	if len(s.filesToGet) == 0 {
		return ""
	}
	return s.filesToGet[0]
}

func (s *Session) popFileToGet() {
	if len(s.filesToGet) > 0 {
		s.filesToGet = s.filesToGet[1:]
	}
}

func (s *Session) addFileToGet(hashWithSig string) {
	s.filesToGet = append(s.filesToGet, hashWithSig)
}

func (s *Session) topFileToPut() string {
	if len(s.filesToPut) == 0 {
		return ""
	}
	return s.filesToPut[0]
}

func (s *Session) popFileToPut() {
	if len(s.filesToPut) > 0 {
		s.filesToPut = s.filesToPut[1:]
	}
}

// AddFileToPut queues a hash to push to the peer on an upcoming put turn.
func (s *Session) AddFileToPut(hash string) {
	s.filesToPut = append(s.filesToPut, hash)
}

// getHello fetches the fixed hello blob, keeping an otherwise idle peer
// talking, and validates the bytes received.
func (s *Session) getHello() error {
	s.lastIssuedWasPut = false

	data := helloData()
	hash := hashBytes(data)
	if !s.node.store.HasFile(hash, false) {
		if _, err := s.node.store.CreateRawFile(data); err != nil {
			return err
		}
	}

	tmp := s.node.store.TempFileName()
	defer removeFile(tmp)

	if err := s.tr.WriteLine(cmdGet+" "+hash, requestTimeout); err != nil {
		return err
	}
	if err := s.tr.StoreTempFile(tmp); err != nil {
		return err
	}
	received, err := readFile(tmp)
	if err != nil {
		return err
	}
	if string(received) != string(data) {
		return errors.New("invalid get_hello")
	}
	s.node.metrics.fileDownloaded(int64(len(data)))
	return nil
}

// putHello pushes the fixed hello blob.
func (s *Session) putHello() error {
	s.lastIssuedWasPut = true

	data := helloData()
	hash := hashBytes(data)
	if !s.node.store.HasFile(hash, false) {
		if _, err := s.node.store.CreateRawFile(data); err != nil {
			return err
		}
	}

	if err := s.tr.WriteLine(cmdPut+" "+hash, requestTimeout); err != nil {
		return err
	}
	if err := s.tr.FetchFile(s.node.store, hash); err != nil {
		return err
	}
	s.node.metrics.fileUploaded(int64(len(data)))
	return nil
}

// getFile requests and stores the named content (any ":sig" suffix is kept
// out of the wire request).
func (s *Session) getFile(hashWithSig string) error {
	s.lastIssuedWasPut = false

	hash, _ := splitHashAndSig(hashWithSig)
	if err := s.tr.WriteLine(cmdGet+" "+hash, requestTimeout); err != nil {
		return err
	}
	if err := s.tr.StoreFile(s.node.store, hash); err != nil {
		return err
	}
	if size, err := s.node.store.FileBytes(hash); err == nil {
		s.node.metrics.fileDownloaded(size)
	}
	return nil
}

// putFile streams the named stored content to the peer.
func (s *Session) putFile(hash string) error {
	s.lastIssuedWasPut = true

	if err := s.tr.WriteLine(cmdPut+" "+hash, requestTimeout); err != nil {
		return err
	}
	if err := s.tr.FetchFile(s.node.store, hash); err != nil {
		return err
	}
	if size, err := s.node.store.FileBytes(hash); err == nil {
		s.node.metrics.fileUploaded(size)
	}
	return nil
}

// pipPeer asks the peer for another peer's address.
func (s *Session) pipPeer(ipAddress string) error {
	if err := s.tr.WriteLine(cmdPip+" "+ipAddress, requestTimeout); err != nil {
		return err
	}
	if _, err := s.tr.ReadLine(requestTimeout, 0); err != nil {
		s.tr.Close()
		return err
	}
	return nil
}

// chkFile issues a chk. With a response pointer the raw answer is returned
// to the caller; without one a nonce challenge is sent and the answer must
// equal the locally recomputed hash-with-nonce.
func (s *Session) chkFile(hashOrTag string, response *string) error {
	expected := ""
	if response != nil {
		if err := s.tr.WriteLine(cmdChk+" "+hashOrTag, requestTimeout); err != nil {
			return err
		}
	} else {
		nonce := uuid.NewString()
		content, err := s.node.store.ExtractFile(hashOrTag)
		if err != nil {
			return err
		}
		expected = hashWithNonce(content, nonce)
		if err := s.tr.WriteLine(cmdChk+" "+hashOrTag+" "+nonce, requestTimeout); err != nil {
			return err
		}
	}

	line, err := s.tr.ReadLine(requestTimeout, 0)
	if err != nil {
		s.tr.Close()
		return err
	}
	if line == responseNotFound {
		line = ""
	}
	if response != nil {
		*response = line
	} else if line != expected {
		return fmt.Errorf("unexpected invalid chk response: %s", line)
	}
	return nil
}

// issueCmdForPeer selects and performs the session's next operation.
func (s *Session) issueCmdForPeer() error {
	// A prior put that no longer exists locally cannot be expected to
	// exist in the peer either.
	if s.priorPutHash != "" && !s.node.store.HasFile(s.priorPutHash, false) {
		s.priorPutHash = ""
	}

	if s.needsBlockchainInfo {
		var infoHash string
		if err := s.chkFile("c"+s.blockchain+".info", &infoHash); err != nil {
			return err
		}
		if infoHash != "" {
			s.needsBlockchainInfo = false

			lastInfo := s.vars.Get(varBlockchainInfo)
			if !s.node.store.HasFile(infoHash, false) && infoHash != lastInfo {
				s.addFileToGet(infoHash)
			} else {
				s.vars.Set(varBlockchainHead, "")
				s.vars.Set(varSynchronising, "")
			}
		}
		return nil
	}

	// Occasional probes stand in for need-driven scheduling: an integrity
	// chk against the prior put, or a pip for another peer address.
	if s.priorPutHash != "" && randIntn(10) == 0 {
		return s.chkFile(s.priorPutHash, nil)
	}
	if randIntn(10) == 0 {
		return s.pipPeer("127.0.0.1")
	}

	if s.lastIssuedWasPut {
		next := s.topFileToGet()

		if next != "" && next[0] == reprocessPrefix {
			if err := s.processFile(next[1:]); err != nil {
				return err
			}
			s.popFileToGet()
			next = s.topFileToGet()
		}

		for next != "" {
			hash, _ := splitHashAndSig(next)
			if !s.node.store.HasFile(hash, false) {
				break
			}
			s.popFileToGet()
			next = s.topFileToGet()
		}

		if next != "" {
			if err := s.getFile(next); err != nil {
				return err
			}
			s.popFileToGet()

			if err := s.processFile(next); err != nil {
				return err
			}

			if s.blockchain != "" && s.topFileToGet() == "" {
				s.needsBlockchainInfo = true
			}
		} else {
			if err := s.getHello(); err != nil {
				return err
			}
			if s.blockchain != "" {
				s.needsBlockchainInfo = true
			}
		}
		return nil
	}

	next := s.topFileToPut()
	hadHash := next != ""

	if next == "" || !s.node.store.HasFile(next, false) {
		if err := s.putHello(); err != nil {
			return err
		}
	} else {
		if err := s.putFile(next); err != nil {
			return err
		}
		if s.priorPutHash == "" && randIntn(100) < 5 {
			s.priorPutHash = next
		}
	}
	if hadHash {
		s.popFileToPut()
	}
	return nil
}
