package remotescan

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/rccypher/rapidcopy/internal/logging"
	"github.com/rccypher/rapidcopy/internal/model"
)

// Error wraps a failed remote scan with a recoverability flag: a
// transient error is recorded in status and the next interval retries,
// a non-recoverable one stops the controller.
type Error struct {
	Msg         string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string { return "remotescan: " + e.Msg }
func (e *Error) Unwrap() error { return e.Err }

// Commander is the transport surface the scanner needs; implemented by
// transport.Client.
type Commander interface {
	Shell(ctx context.Context, command string) ([]byte, error)
	Copy(ctx context.Context, localPath, remotePath string) error
}

// Scanner runs the scan program on the remote host. The program is
// installed on first use, compared by digest on later starts so an
// unchanged program is never re-copied.
type Scanner struct {
	transport        Commander
	remotePath       string
	localScriptPath  string
	remoteScriptPath string
	pairID           string
	pairName         string
	firstRun         bool
	log              *slog.Logger
}

// Options name the scanner's remote root and the scan program's local
// and remote locations. If the remote script path does not end in the
// script's file name it is treated as a directory.
type Options struct {
	RemotePath       string
	LocalScriptPath  string
	RemoteScriptPath string
	PairID           string
	PairName         string
}

func New(t Commander, opts Options) *Scanner {
	remoteScript := opts.RemoteScriptPath
	scriptName := filepath.Base(opts.LocalScriptPath)
	if path.Base(remoteScript) != scriptName {
		remoteScript = path.Join(remoteScript, scriptName)
	}
	return &Scanner{
		transport:        t,
		remotePath:       opts.RemotePath,
		localScriptPath:  opts.LocalScriptPath,
		remoteScriptPath: remoteScript,
		pairID:           opts.PairID,
		pairName:         opts.PairName,
		firstRun:         true,
		log:              logging.For("remotescan"),
	}
}

// PairID tags this scanner's results for multi-pair merges.
func (s *Scanner) PairID() string { return s.pairID }

// PairName is the human name of the scanner's pair.
func (s *Scanner) PairName() string { return s.pairName }

// Scan installs the scan program if needed, runs it against the remote
// root, and decodes the result. Files are tagged with the scanner's
// pair.
func (s *Scanner) Scan(ctx context.Context) ([]model.SystemFile, error) {
	if s.firstRun {
		if err := s.install(ctx); err != nil {
			return nil, err
		}
	}

	cmd := shellquote.Join(s.remoteScriptPath, s.remotePath)
	out, err := s.transport.Shell(ctx, cmd)
	if err != nil {
		recoverable := true
		// The remote's own scanner reporting a scan error is a
		// configuration problem, not a transient one.
		if strings.Contains(err.Error(), "scan error") {
			recoverable = false
		}
		if s.firstRun {
			recoverable = false
		}
		return nil, &Error{Msg: fmt.Sprintf("remote server scan failed: %v", err), Recoverable: recoverable, Err: err}
	}

	files, err := Decode(out)
	if err != nil {
		s.log.Error("undecodable scan output", "error", err, "bytes", len(out))
		return nil, &Error{Msg: "invalid scan data format", Recoverable: false, Err: err}
	}

	s.firstRun = false
	for i := range files {
		tagPair(&files[i], s.pairID, s.pairName)
	}
	return files, nil
}

func tagPair(f *model.SystemFile, id, name string) {
	f.PairID = id
	f.PairName = name
	for i := range f.Children {
		tagPair(&f.Children[i], id, name)
	}
}

func (s *Scanner) install(ctx context.Context) error {
	bs, err := os.ReadFile(s.localScriptPath)
	if err != nil {
		return &Error{Msg: fmt.Sprintf("failed to find scan program at %s", s.localScriptPath), Recoverable: false, Err: err}
	}
	sum := md5.Sum(bs)
	localDigest := hex.EncodeToString(sum[:])

	probe := fmt.Sprintf("md5sum %s | awk '{print $1}' || echo", shellquote.Join(s.remoteScriptPath))
	out, err := s.transport.Shell(ctx, probe)
	if err != nil {
		return &Error{Msg: fmt.Sprintf("remote server install failed: %v", err), Recoverable: false, Err: err}
	}
	if strings.TrimSpace(string(out)) == localDigest {
		s.log.Debug("scan program already installed", "digest", localDigest)
		return nil
	}

	s.log.Info("installing scan program", "local", s.localScriptPath, "remote", s.remoteScriptPath)
	if err := s.transport.Copy(ctx, s.localScriptPath, s.remoteScriptPath); err != nil {
		return &Error{Msg: fmt.Sprintf("remote server install failed: %v", err), Recoverable: false, Err: err}
	}
	return nil
}

// Recoverable reports whether err is a scan error the controller may
// record and continue past.
func Recoverable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Recoverable
	}
	return false
}
