package msgnet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/sammck-go/msgport/internal/logger"
	"golang.org/x/crypto/ssh"
)

const (
	sshChannelType   = "msgport"
	sshServerVersion = "SSH-2.0-" + ProtocolVersion + "-server"
	sshClientVersion = "SSH-2.0-" + ProtocolVersion + "-client"
)

// GenerateKey generates a keypair to use for the SSH server end, using
// an optional seed that will produce the same keypair every time. If
// seed is "", a random key will be generated.
func GenerateKey(seed string) ([]byte, error) {
	var priv *ecdsa.PrivateKey
	var err error
	if seed == "" {
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		priv, err = seededKey(NewDetermRand([]byte(seed)))
	}
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal ECDSA private key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// seededKey derives a P-256 key from r without the extra randomness that
// ecdsa.GenerateKey mixes in, so the same stream always yields the same key.
func seededKey(r io.Reader) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	params := curve.Params()
	b := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	one := big.NewInt(1)
	k := new(big.Int).SetBytes(b)
	k.Mod(k, new(big.Int).Sub(params.N, one))
	k.Add(k, one)
	priv := &ecdsa.PrivateKey{D: k}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(k.Bytes())
	return priv, nil
}

// FingerprintKey returns a standard fingerprint hash string for an SSH
// public key, which clients can use to authenticate the SSH server.
func FingerprintKey(k ssh.PublicKey) string {
	bytes := md5.Sum(k.Marshal())
	strbytes := make([]string, len(bytes))
	for i, b := range bytes {
		strbytes[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(strbytes, ":")
}

// ParseAuth parses a ":"-delimited authorization string pair. Returns
// two empty strings if the input does not contain ":"
func ParseAuth(auth string) (string, string) {
	if strings.Contains(auth, ":") {
		pair := strings.SplitN(auth, ":", 2)
		return pair[0], pair[1]
	}
	return "", ""
}

// SSHMuxer carries streams as SSH channels. The channel id travels in the
// channel's extra data.
type SSHMuxer struct {
	logger.Logger
	conn        ssh.Conn
	chans       <-chan ssh.NewChannel
	fingerprint string
}

// NewSSHServerMuxer performs the server side SSH handshake over nc. The host key is
// derived from cfg.KeySeed. If cfg.Auth is set, clients must present it.
func NewSSHServerMuxer(lg logger.Logger, nc net.Conn, cfg *Config) (*SSHMuxer, error) {
	cfg = cfg.orDefault()
	m := &SSHMuxer{Logger: lg.ForkLog("SSHServer")}
	key, err := GenerateKey(cfg.KeySeed)
	if err != nil {
		nc.Close()
		return nil, m.Errorf("could not generate host key: %s", err)
	}
	private, err := ssh.ParsePrivateKey(key)
	if err != nil {
		nc.Close()
		return nil, m.Errorf("could not parse host key: %s", err)
	}
	m.fingerprint = FingerprintKey(private.PublicKey())
	sc := &ssh.ServerConfig{ServerVersion: sshServerVersion}
	if user, pass := ParseAuth(cfg.Auth); user != "" {
		sc.PasswordCallback = func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if c.User() == user && subtle.ConstantTimeCompare(password, []byte(pass)) == 1 {
				return nil, nil
			}
			m.DLogf("Login failed for user: %s", c.User())
			return nil, fmt.Errorf("invalid authentication for username: %s", c.User())
		}
	} else {
		sc.NoClientAuth = true
	}
	sc.AddHostKey(private)

	conn, chans, reqs, err := ssh.NewServerConn(nc, sc)
	if err != nil {
		nc.Close()
		return nil, m.DLogErrorf("handshake failed: %s", err)
	}
	go ssh.DiscardRequests(reqs)
	m.conn = conn
	m.chans = chans
	m.DLogf("Handshake complete with %s (%s)", conn.RemoteAddr(), conn.ClientVersion())
	return m, nil
}

// NewSSHClientMuxer performs the client side SSH handshake over nc, verifying the
// server key against cfg.Fingerprint when it is set.
func NewSSHClientMuxer(lg logger.Logger, nc net.Conn, cfg *Config) (*SSHMuxer, error) {
	cfg = cfg.orDefault()
	m := &SSHMuxer{Logger: lg.ForkLog("SSHClient")}
	user, pass := ParseAuth(cfg.Auth)
	cc := &ssh.ClientConfig{
		User:          user,
		Auth:          []ssh.AuthMethod{ssh.Password(pass)},
		ClientVersion: sshClientVersion,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return m.verifyServer(cfg.Fingerprint, key)
		},
		Timeout: 30 * time.Second,
	}
	conn, chans, reqs, err := ssh.NewClientConn(nc, "", cc)
	if err != nil {
		nc.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			m.ILogf("Authentication failed")
		}
		return nil, m.DLogErrorf("handshake failed: %s", err)
	}
	go ssh.DiscardRequests(reqs)
	m.conn = conn
	m.chans = chans
	if cfg.KeepAlive > 0 {
		go m.keepAliveLoop(cfg.KeepAlive)
	}
	return m, nil
}

func (m *SSHMuxer) verifyServer(expect string, key ssh.PublicKey) error {
	got := FingerprintKey(key)
	if expect != "" && !strings.HasPrefix(got, expect) {
		return fmt.Errorf("invalid fingerprint (%s)", got)
	}
	m.fingerprint = got
	m.DLogf("Fingerprint %s", got)
	return nil
}

func (m *SSHMuxer) keepAliveLoop(interval time.Duration) {
	done := make(chan struct{})
	go func() {
		m.conn.Wait()
		close(done)
	}()
	pingDelay := time.NewTimer(interval)
	defer pingDelay.Stop()
	for {
		select {
		case <-done:
			return
		case <-pingDelay.C:
			if _, _, err := m.conn.SendRequest("ping", true, nil); err != nil {
				m.DLogf("Keepalive failed: %s", err)
			}
			pingDelay.Reset(interval)
		}
	}
}

// Fingerprint returns the fingerprint of the server host key
func (m *SSHMuxer) Fingerprint() string {
	return m.fingerprint
}

// Kind returns "ssh"
func (m *SSHMuxer) Kind() string {
	return "ssh"
}

// OpenStream opens an SSH channel carrying id
func (m *SSHMuxer) OpenStream(ctx context.Context, id string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, reqs, err := m.conn.OpenChannel(sshChannelType, []byte(id))
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// AcceptStream accepts the next SSH channel opened by the peer. Channels of other
// types are rejected.
func (m *SSHMuxer) AcceptStream(ctx context.Context) (string, io.ReadWriteCloser, error) {
	for {
		var nc ssh.NewChannel
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case c, ok := <-m.chans:
			if !ok {
				return "", nil, io.EOF
			}
			nc = c
		}
		if nc.ChannelType() != sshChannelType {
			m.DLogf("Rejecting channel of type %q", nc.ChannelType())
			if err := nc.Reject(ssh.UnknownChannelType, "unsupported channel type"); err != nil {
				m.DLogf("Unable to send SSH NewChannel reject response, ignoring: %s", err)
			}
			continue
		}
		id := string(nc.ExtraData())
		ch, reqs, err := nc.Accept()
		if err != nil {
			m.DLogf("Failed to accept remote SSH Channel: %s", err)
			continue
		}
		go ssh.DiscardRequests(reqs)
		return id, ch, nil
	}
}

// Close closes the SSH connection
func (m *SSHMuxer) Close() error {
	return m.conn.Close()
}
