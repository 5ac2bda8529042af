package sshsession

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Descriptor holds everything needed to reach one host. Secrets are plaintext
// here; the credential store decrypts them before handing a Descriptor out.
type Descriptor struct {
	ID         string
	Name       string
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
	Options    Options
}

type Options struct {
	Compression           bool
	ConnectTimeout        time.Duration
	StrictHostKeyChecking bool
	KnownHostsFile        string
	ProxyCommand          string
	ForwardAgent          bool
}

// Store is the credential lookup the manager, executor and prober consume.
// Unknown ids must yield an error matching ErrNotFound.
type Store interface {
	FindConnection(ctx context.Context, id string) (Descriptor, error)
}

// Validate enforces that exactly one auth method is populated.
func (d Descriptor) Validate() error {
	switch {
	case d.Host == "":
		return newError("validate", ErrInvalid, fmt.Errorf("host is required"))
	case d.Username == "":
		return newError("validate", ErrInvalid, fmt.Errorf("username is required"))
	case d.Port < 0 || d.Port > 65535:
		return newError("validate", ErrInvalid, fmt.Errorf("port %d out of range", d.Port))
	case d.Password != "" && d.PrivateKey != "":
		return newError("validate", ErrInvalid, fmt.Errorf("password and private key are mutually exclusive"))
	case d.Password == "" && d.PrivateKey == "":
		return newError("validate", ErrInvalid, fmt.Errorf("password or private key is required"))
	}
	return nil
}

func (d Descriptor) Addr() string {
	port := d.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

func (d Descriptor) authMethods() ([]ssh.AuthMethod, error) {
	if d.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if d.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(d.PrivateKey), []byte(d.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(d.PrivateKey))
		}
		if err != nil {
			return nil, newError("dial", ErrInvalid, fmt.Errorf("failed to parse private key: %w", err))
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := d.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		// Some servers only offer keyboard-interactive for passwords.
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

// hostKeyCallback records the server fingerprint into fp and, in strict
// mode, verifies the key against known_hosts.
func (d Descriptor) hostKeyCallback(fp *string) (ssh.HostKeyCallback, error) {
	var verify ssh.HostKeyCallback
	if d.Options.StrictHostKeyChecking {
		path := d.Options.KnownHostsFile
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, newError("dial", ErrInvalid, fmt.Errorf("resolve known_hosts: %w", err))
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, newError("dial", ErrInvalid, fmt.Errorf("load known_hosts: %w", err))
		}
		verify = cb
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		*fp = ssh.FingerprintSHA256(key)
		if verify != nil {
			return verify(hostname, remote, key)
		}
		return nil
	}, nil
}
