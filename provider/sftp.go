package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ensure interface is implemented
var _ Provider = (*SFTPProvider)(nil)

const sftpDialTimeout = 30 * time.Second

// SFTPProvider stores files on a remote host over SSH.
type SFTPProvider struct {
	conn   *ssh.Client
	client *sftp.Client
	host   string
	root   string
}

func sshAuth(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		pem := []byte(cfg.PrivateKey)
		if !strings.HasPrefix(strings.TrimSpace(cfg.PrivateKey), "-----BEGIN") {
			data, err := os.ReadFile(cfg.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			pem = data
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh: password or private_key is required to connect to %s", cfg.Host)
	}
	return methods, nil
}

// NewSFTPProvider dials cfg.Host. Host keys are checked against
// cfg.KnownHostsPath when set and accepted blindly otherwise.
func NewSFTPProvider(ctx context.Context, cfg Config) (*SFTPProvider, error) {
	auth, err := sshAuth(cfg)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: sftpDialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         sftpDialTimeout,
	})
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start sftp session: %w", err)
	}

	root := cfg.RemotePath
	if root == "" {
		root = "."
	}
	return &SFTPProvider{conn: conn, client: client, host: cfg.Host, root: root}, nil
}

func (p *SFTPProvider) resolve(pth string) string {
	return path.Join(p.root, path.Clean("/"+pth))
}

func (p *SFTPProvider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := p.client.Stat(p.resolve(pth))
	if err != nil {
		return nil, notExist(pth, err)
	}
	return wrapOSFileInfo(info), nil
}

func (p *SFTPProvider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := p.client.ReadDir(p.resolve(pth))
	if err != nil {
		return nil, notExist(pth, err)
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, wrapOSFileInfo(e))
	}
	return infos, nil
}

func (p *SFTPProvider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := p.client.Open(p.resolve(pth))
	if err != nil {
		return nil, notExist(pth, err)
	}
	return f, nil
}

func (p *SFTPProvider) OpenWrite(ctx context.Context, pth string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := p.resolve(pth)
	if metadata != nil && metadata.IsDir() {
		if err := p.client.MkdirAll(full); err != nil {
			return nil, err
		}
		return nopWriteCloser{}, nil
	}
	if err := p.client.MkdirAll(path.Dir(full)); err != nil {
		return nil, err
	}

	tmp := path.Join(path.Dir(full), fmt.Sprintf(".%s.%d.part", path.Base(full), time.Now().UnixNano()))
	f, err := p.client.Create(tmp)
	if err != nil {
		return nil, err
	}

	mode := os.FileMode(0644)
	if mInfo, ok := metadata.(ModeFileInfo); ok && mInfo.Mode() != 0 {
		mode = mInfo.Mode()
	}
	return &sftpWriter{File: f, client: p.client, tmp: tmp, full: full, mode: mode, metadata: metadata}, nil
}

func (p *SFTPProvider) Location(pth string) string {
	return fmt.Sprintf("sftp://%s%s", p.host, path.Join("/", p.resolve(pth)))
}

func (p *SFTPProvider) Close() error {
	cerr := p.client.Close()
	if err := p.conn.Close(); err != nil {
		return err
	}
	return cerr
}

type sftpWriter struct {
	*sftp.File
	client   *sftp.Client
	tmp      string
	full     string
	mode     os.FileMode
	metadata FileInfo
}

func (w *sftpWriter) Close() error {
	if err := w.File.Close(); err != nil {
		_ = w.client.Remove(w.tmp)
		return err
	}
	_ = w.client.Chmod(w.tmp, w.mode)
	if err := w.client.PosixRename(w.tmp, w.full); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = w.client.Remove(w.full)
		if err := w.client.Rename(w.tmp, w.full); err != nil {
			_ = w.client.Remove(w.tmp)
			return err
		}
	}
	if w.metadata != nil && !w.metadata.ModTime().IsZero() {
		_ = w.client.Chtimes(w.full, time.Now(), w.metadata.ModTime())
	}
	return nil
}

func (w *sftpWriter) Abort(error) error {
	_ = w.File.Close()
	return w.client.Remove(w.tmp)
}
