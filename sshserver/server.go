package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/eventbus"
	"pkt.systems/tanaka/internal/messaging"
)

// Control serves console requests.
type Control interface {
	Handle(ctx context.Context, req messaging.Request) messaging.Response
	Subscribe(ctx context.Context, fn func(eventbus.Event)) func()
}

// Server exposes the engine control surface over SSH.
type Server struct {
	Config   Config
	Listener net.Listener
	Control  Control
	logger   pslog.Logger
	keys     []ssh.PublicKey
}

// ParseAuthorizedKeys parses authorized_keys formatted lines.
func ParseAuthorizedKeys(lines []string) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("authorized key %d: %w", i+1, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Control == nil {
		return errors.New("ssh control is required")
	}
	if s.Config.Prompt == "" {
		s.Config.Prompt = "tanaka> "
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	keys, err := ParseAuthorizedKeys(s.Config.AuthorizedKeys)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		s.logger.Warn("ssh no authorized keys configured, all logins will be rejected")
	}
	s.keys = keys

	signer, err := EnsureHostKey(s.Config.HostKeyPath)
	if err != nil {
		return err
	}

	server := &gliderssh.Server{
		Addr:             s.Config.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh listening", "addr", s.Config.Addr)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	for _, allowed := range s.keys {
		if gliderssh.KeysEqual(allowed, key) {
			log.Info("ssh pubkey accepted")
			return true
		}
	}
	log.Warn("ssh pubkey rejected", "reason", "no matching key")
	return false
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	if id := sess.Context().SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}
	ctx := pslog.ContextWithLogger(sess.Context(), log)
	console := newConsole(sess, s.Control, s.Config.Prompt)

	if args := sess.Command(); len(args) > 0 {
		log.Info("ssh exec", "command", strings.Join(args, " "))
		code := console.Exec(ctx, strings.Join(args, " "))
		_ = sess.Exit(code)
		return
	}
	log.Info("ssh session opened")
	console.Interactive(ctx)
	log.Info("ssh session closed")
	_ = sess.Exit(0)
}
