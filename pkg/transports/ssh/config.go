package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the keys of a running SSH agent
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration for the remote target host.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `json:"host" yaml:"host"`

	// Port is the SSH port (default: 22)
	Port int `json:"port" yaml:"port"`

	// User is the SSH username
	User string `json:"user" yaml:"user"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `json:"auth_method" yaml:"auth_method"`

	// Password for password-based authentication. Never read from config
	// files; set it from the environment.
	Password string `json:"-" yaml:"-"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `json:"-" yaml:"-"`

	// AgentSocket overrides SSH_AUTH_SOCK for agent authentication
	AgentSocket string `json:"agent_socket,omitempty" yaml:"agent_socket,omitempty"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Zero disables keep-alive.
	KeepAliveInterval time.Duration `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`

	// MaxKeepAliveRetries is the number of failed keep-alives before giving up
	MaxKeepAliveRetries int `json:"max_keep_alive_retries,omitempty" yaml:"max_keep_alive_retries,omitempty"`

	// WorkDir is the remote working directory for commands without their own
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// ArtifactDir is the remote directory artifacts are uploaded to.
	// Empty disables the upload.
	ArtifactDir string `json:"artifact_dir,omitempty" yaml:"artifact_dir,omitempty"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `json:"proxy_host,omitempty" yaml:"proxy_host,omitempty"`

	// ProxyPort is the port of the jump host
	ProxyPort int `json:"proxy_port,omitempty" yaml:"proxy_port,omitempty"`

	// ProxyUser is the username for the jump host
	ProxyUser string `json:"proxy_user,omitempty" yaml:"proxy_user,omitempty"`

	// ProxyPrivateKeyPath is the path to the jump host's private key.
	// Empty reuses the target's authentication.
	ProxyPrivateKeyPath string `json:"proxy_private_key_path,omitempty" yaml:"proxy_private_key_path,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     0,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if c.agentSocket() == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK or agent_socket")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func defaultKeyPath() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

func (c *Config) agentSocket() string {
	if c.AgentSocket != "" {
		return c.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	authMethods, err := c.authMethods(c.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// buildProxyClientConfig creates the client configuration for the jump host.
func (c *Config) buildProxyClientConfig() (*ssh.ClientConfig, error) {
	keyPath := c.PrivateKeyPath
	if c.ProxyPrivateKeyPath != "" {
		keyPath = c.ProxyPrivateKeyPath
	}
	authMethods, err := c.authMethods(keyPath)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.ProxyUser,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		password := c.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			// many servers only offer keyboard-interactive for the password prompt
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", c.agentSocket())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}

	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		callback, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return callback, nil
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
